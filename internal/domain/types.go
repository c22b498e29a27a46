package domain

import (
	"errors"
	"maps"
	"math"
	"strings"
	"time"
)

type CampaignStatus string

const (
	CampaignPending   CampaignStatus = "pending"
	CampaignSending   CampaignStatus = "sending"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignFailed
}

// CanTransition enforces pending -> sending -> {completed|failed}. A pending
// campaign may also go straight to failed when the loop cannot start.
func CanTransition(from, to CampaignStatus) bool {
	switch from {
	case CampaignPending:
		return to == CampaignSending || to == CampaignFailed
	case CampaignSending:
		return to == CampaignCompleted || to == CampaignFailed
	default:
		return false
	}
}

type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
)

const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
)

var (
	ErrNotFound          = errors.New("campaign not found")
	ErrInvalidTransition = errors.New("invalid campaign status transition")
	ErrCampaignRunning   = errors.New("campaign is sending")
	ErrAlreadyRunning    = errors.New("campaign dispatch already running")
	ErrNotRunning        = errors.New("campaign is not running")
	ErrCancelled         = errors.New("cancelled")
	ErrOutcomeResolved   = errors.New("recipient outcome already resolved")
	ErrMissingFields     = errors.New("missing required fields")
	ErrNoRecipients      = errors.New("at least one recipient is required")
)

// Template is the resolved subject/body pair a campaign renders per recipient.
// Ref points at the externally owned template record.
type Template struct {
	Ref      string            `json:"ref,omitempty"`
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	Format   string            `json:"format,omitempty"`
	Defaults map[string]string `json:"defaults,omitempty"`
}

type RecipientOutcome struct {
	Address      string            `json:"address"`
	DisplayName  string            `json:"displayName,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
	Status       RecipientStatus   `json:"status"`
	Attempts     int               `json:"attempts"`
	SentAt       *time.Time        `json:"sentAt,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
}

func (r *RecipientOutcome) Resolved() bool {
	return r.Status == RecipientSent || r.Status == RecipientFailed
}

func (r *RecipientOutcome) MarkSent(at time.Time, attempts int) error {
	if r.Resolved() {
		return ErrOutcomeResolved
	}
	t := at
	r.Status = RecipientSent
	r.Attempts = attempts
	r.SentAt = &t
	r.ErrorMessage = ""
	return nil
}

func (r *RecipientOutcome) MarkFailed(msg string, attempts int) error {
	if r.Resolved() {
		return ErrOutcomeResolved
	}
	r.Status = RecipientFailed
	r.Attempts = attempts
	r.SentAt = nil
	r.ErrorMessage = msg
	return nil
}

type Campaign struct {
	ID              string             `json:"id"`
	AccountID       string             `json:"accountId"`
	Template        Template           `json:"template"`
	Recipients      []RecipientOutcome `json:"recipients"`
	Status          CampaignStatus     `json:"status"`
	SuccessCount    int                `json:"successCount"`
	FailedCount     int                `json:"failedCount"`
	TotalRecipients int                `json:"totalRecipients"`
	CreatedAt       time.Time          `json:"createdAt"`
	StartedAt       *time.Time         `json:"startedAt,omitempty"`
	CompletedAt     *time.Time         `json:"completedAt,omitempty"`
	LastError       string             `json:"lastError,omitempty"`
}

// NewCampaign builds a pending campaign; every outcome starts pending and
// TotalRecipients is fixed to the list length.
func NewCampaign(id, accountID string, tmpl Template, recipients []RecipientOutcome, now time.Time) *Campaign {
	rs := make([]RecipientOutcome, len(recipients))
	for i, r := range recipients {
		rs[i] = RecipientOutcome{
			Address:     r.Address,
			DisplayName: r.DisplayName,
			Variables:   maps.Clone(r.Variables),
			Status:      RecipientPending,
		}
	}
	return &Campaign{
		ID:              id,
		AccountID:       accountID,
		Template:        tmpl.Clone(),
		Recipients:      rs,
		Status:          CampaignPending,
		TotalRecipients: len(rs),
		CreatedAt:       now.UTC(),
	}
}

// Transition moves the campaign to a new status if the state machine allows it.
func (c *Campaign) Transition(to CampaignStatus) error {
	if !CanTransition(c.Status, to) {
		return ErrInvalidTransition
	}
	c.Status = to
	return nil
}

// Processed is the number of recipients with a terminal outcome.
func (c *Campaign) Processed() int { return c.SuccessCount + c.FailedCount }

func (t Template) Clone() Template {
	t.Defaults = maps.Clone(t.Defaults)
	return t
}

// Clone returns a deep copy so checkpoints and readers never alias loop state.
func (c *Campaign) Clone() *Campaign {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Template = c.Template.Clone()
	cp.StartedAt = cloneTime(c.StartedAt)
	cp.CompletedAt = cloneTime(c.CompletedAt)
	if c.Recipients != nil {
		cp.Recipients = make([]RecipientOutcome, len(c.Recipients))
		for i, r := range c.Recipients {
			r.Variables = maps.Clone(r.Variables)
			r.SentAt = cloneTime(r.SentAt)
			cp.Recipients[i] = r
		}
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type ProgressSnapshot struct {
	CampaignID string         `json:"campaignId"`
	Status     CampaignStatus `json:"status"`
	Sent       int            `json:"sent"`
	Failed     int            `json:"failed"`
	Total      int            `json:"total"`
	Percent    int            `json:"percent"`
}

// SnapshotOf projects a campaign onto its progress view.
func SnapshotOf(c *Campaign) ProgressSnapshot {
	return ProgressSnapshot{
		CampaignID: c.ID,
		Status:     c.Status,
		Sent:       c.SuccessCount,
		Failed:     c.FailedCount,
		Total:      c.TotalRecipients,
		Percent:    Percent(c.SuccessCount, c.TotalRecipients),
	}
}

func Percent(sent, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(sent) / float64(total) * 100))
}

type RecipientInput struct {
	Address     string            `json:"address"`
	DisplayName string            `json:"displayName"`
	Variables   map[string]string `json:"variables"`
}

type CreateCampaignRequest struct {
	AccountID  string           `json:"accountId"`
	Template   Template         `json:"template"`
	Recipients []RecipientInput `json:"recipients"`
}

func (r CreateCampaignRequest) Validate() error {
	if strings.TrimSpace(r.AccountID) == "" || strings.TrimSpace(r.Template.Body) == "" {
		return ErrMissingFields
	}
	if len(r.Recipients) == 0 {
		return ErrNoRecipients
	}
	for _, rc := range r.Recipients {
		if strings.TrimSpace(rc.Address) == "" {
			return ErrMissingFields
		}
	}
	return nil
}

func (r CreateCampaignRequest) Outcomes() []RecipientOutcome {
	out := make([]RecipientOutcome, len(r.Recipients))
	for i, rc := range r.Recipients {
		out[i] = RecipientOutcome{
			Address:     strings.TrimSpace(rc.Address),
			DisplayName: rc.DisplayName,
			Variables:   rc.Variables,
		}
	}
	return out
}

type CreateResponse struct {
	CampaignID string `json:"campaignId"`
	Status     string `json:"status"`
	Total      int    `json:"total"`
}

// AllowedFrom lists the statuses that may transition to to.
func AllowedFrom(to CampaignStatus) []CampaignStatus {
	var out []CampaignStatus
	for _, from := range []CampaignStatus{CampaignPending, CampaignSending, CampaignCompleted, CampaignFailed} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
