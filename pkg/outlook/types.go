package outlook

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrWorkerTimeout is returned when a caller gives up waiting on the
	// automation worker.
	ErrWorkerTimeout = errors.New("outlook: operation timed out")
	// ErrNotSupported is returned by the backend on platforms without Outlook.
	ErrNotSupported = errors.New("outlook: automation is only available on Windows")
	// ErrMailboxUnavailable is returned when a mailbox cannot be opened.
	ErrMailboxUnavailable = errors.New("outlook: mailbox unavailable")
)

// Mailbox identifies which mailbox an email came from.
type Mailbox string

const (
	MailboxPersonal Mailbox = "personal"
	MailboxShared   Mailbox = "shared"
)

// Email is one message returned by a search.
type Email struct {
	Subject          string   `json:"subject"`
	SenderName       string   `json:"sender_name"`
	SenderEmail      string   `json:"sender_email"`
	ReceivedTime     string   `json:"received_time"`
	MailboxType      Mailbox  `json:"mailbox_type"`
	Importance       int      `json:"importance"`
	Unread           bool     `json:"unread"`
	AttachmentsCount int      `json:"attachments_count"`
	EntryID          string   `json:"entry_id"`
	Recipients       []string `json:"recipients"`
	Body             string   `json:"body"`
}

// SearchQuery is one search against one mailbox.
type SearchQuery struct {
	Text    string
	Mailbox Mailbox
	// SharedAddress is the SMTP address of the shared mailbox.
	SharedAddress string
	MaxResults    int
	AllFolders    bool
	Timeout       time.Duration
}

// Status describes Outlook and mailbox reachability.
type Status struct {
	Connected                 bool   `json:"connected"`
	OutlookVersion            string `json:"outlook_version,omitempty"`
	PersonalMailbox           string `json:"personal_mailbox,omitempty"`
	PersonalMailboxAccessible bool   `json:"personal_mailbox_accessible"`
	PersonalMailboxError      string `json:"personal_mailbox_error,omitempty"`
	SharedMailbox             string `json:"shared_mailbox,omitempty"`
	SharedMailboxAccessible   *bool  `json:"shared_mailbox_accessible,omitempty"`
	SharedMailboxError        string `json:"shared_mailbox_error,omitempty"`
}

// Backend performs the actual mailbox operations. Implementations may assume
// calls never overlap.
type Backend interface {
	Status(ctx context.Context, sharedAddress string) (*Status, error)
	AdvancedSearch(ctx context.Context, q SearchQuery) ([]Email, error)
	RestrictSearch(ctx context.Context, q SearchQuery) ([]Email, error)
}
