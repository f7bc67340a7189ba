package docs

import _ "embed"

//go:embed campaign-api.openapi.yaml
var embeddedCampaignOpenAPI []byte

//go:embed swagger.html
var embeddedCampaignSwaggerHTML []byte

// CampaignOpenAPI is the campaign-api OpenAPI document served at /docs/campaign-api/openapi.yaml.
var CampaignOpenAPI = embeddedCampaignOpenAPI

// CampaignSwaggerHTML renders Swagger UI against CampaignOpenAPI.
var CampaignSwaggerHTML = embeddedCampaignSwaggerHTML
