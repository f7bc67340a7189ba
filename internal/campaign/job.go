package campaign

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Job is one queued delivery: this campaign's email to this subscriber.
type Job struct {
	To           string `json:"to"`
	Subject      string `json:"subject"`
	Body         string `json:"body"`
	CampaignID   int64  `json:"campaignId"`
	SubscriberID int64  `json:"subscriberId"`
}

func NewJob(c Campaign, s Subscriber) Job {
	return Job{
		To:           s.Email,
		Subject:      c.Subject,
		Body:         c.Body,
		CampaignID:   c.ID,
		SubscriberID: s.ID,
	}
}

func (j Job) Validate() error {
	if !strings.Contains(j.To, "@") {
		return fmt.Errorf("%w: invalid recipient %q", ErrValidation, j.To)
	}
	if j.CampaignID <= 0 {
		return fmt.Errorf("%w: campaignId must be positive", ErrValidation)
	}
	if j.SubscriberID <= 0 {
		return fmt.Errorf("%w: subscriberId must be positive", ErrValidation)
	}
	return nil
}

// DecodeJob parses a queue payload strictly; unknown fields and trailing data are rejected.
func DecodeJob(body []byte) (Job, error) {
	var j Job
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&j); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if dec.More() {
		return Job{}, fmt.Errorf("%w: trailing data after job", ErrValidation)
	}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	return j, nil
}
