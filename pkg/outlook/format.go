package outlook

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var replyPrefix = regexp.MustCompile(`(?i)^(?:RE|FW|FWD):\s*`)

// ChainResponse is the payload of a successful email chain search.
type ChainResponse struct {
	Status        string         `json:"status"`
	SearchText    string         `json:"search_text"`
	Summary       Summary        `json:"summary"`
	Conversations []Conversation `json:"conversations"`
}

// Summary aggregates every email of a search.
type Summary struct {
	TotalEmails         int             `json:"total_emails"`
	Conversations       int             `json:"conversations"`
	DateRangeStart      string          `json:"date_range_start,omitempty"`
	DateRangeEnd        string          `json:"date_range_end,omitempty"`
	MailboxDistribution map[Mailbox]int `json:"mailbox_distribution"`
	Participants        []string        `json:"participants"`
}

// Conversation is the emails sharing one normalized subject, oldest first.
type Conversation struct {
	ConversationID int      `json:"conversation_id"`
	Subject        string   `json:"subject"`
	EmailCount     int      `json:"email_count"`
	Participants   []string `json:"participants"`
	Emails         []Email  `json:"emails"`
}

// NoResults is returned to the model instead of an empty chain.
type NoResults struct {
	Status      string `json:"status"`
	TotalEmails int    `json:"total_emails"`
	Guidance    string `json:"guidance"`
}

// NormalizeSubject strips any run of RE:, FW: and FWD: prefixes.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		next := strings.TrimSpace(replyPrefix.ReplaceAllString(s, ""))
		if next == s {
			return s
		}
		s = next
	}
}

// BuildResponse groups emails into conversations in first-seen order and
// computes the summary.
func BuildResponse(searchText string, emails []Email) *ChainResponse {
	resp := &ChainResponse{
		Status:        "success",
		SearchText:    searchText,
		Conversations: []Conversation{},
	}

	index := map[string]int{}
	for _, e := range emails {
		subject := NormalizeSubject(e.Subject)
		i, ok := index[subject]
		if !ok {
			i = len(resp.Conversations)
			index[subject] = i
			resp.Conversations = append(resp.Conversations, Conversation{
				ConversationID: i + 1,
				Subject:        subject,
			})
		}
		resp.Conversations[i].Emails = append(resp.Conversations[i].Emails, e)
	}

	for i := range resp.Conversations {
		conv := &resp.Conversations[i]
		sort.SliceStable(conv.Emails, func(a, b int) bool {
			return conv.Emails[a].ReceivedTime < conv.Emails[b].ReceivedTime
		})
		conv.EmailCount = len(conv.Emails)

		senders := newOrderedSet()
		for _, e := range conv.Emails {
			senders.add(e.SenderName)
		}
		conv.Participants = senders.items
	}

	s := Summary{
		TotalEmails:         len(emails),
		Conversations:       len(resp.Conversations),
		MailboxDistribution: map[Mailbox]int{MailboxPersonal: 0, MailboxShared: 0},
	}
	participants := newOrderedSet()
	for _, e := range emails {
		if t := e.ReceivedTime; t != "" {
			if s.DateRangeStart == "" || t < s.DateRangeStart {
				s.DateRangeStart = t
			}
			if t > s.DateRangeEnd {
				s.DateRangeEnd = t
			}
		}
		if e.MailboxType == MailboxPersonal || e.MailboxType == MailboxShared {
			s.MailboxDistribution[e.MailboxType]++
		}
		participants.add(e.SenderName)
		for _, r := range e.Recipients {
			participants.add(r)
		}
	}
	s.Participants = participants.items
	resp.Summary = s

	return resp
}

// FormatEmailChain returns resp, or guidance when nothing matched.
func FormatEmailChain(resp *ChainResponse) interface{} {
	if resp == nil {
		return NoResults{Status: "success", Guidance: "No response from Outlook."}
	}
	if resp.Summary.TotalEmails == 0 {
		return NoResults{
			Status: "success",
			Guidance: fmt.Sprintf("No emails found matching '%s'. "+
				"Try broader search terms, check spelling, or search for incident IDs, "+
				"error codes, or participant names.", resp.SearchText),
		}
	}
	return resp
}

type orderedSet struct {
	seen  map[string]bool
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: map[string]bool{}, items: []string{}}
}

func (s *orderedSet) add(v string) {
	if v == "" || s.seen[v] {
		return
	}
	s.seen[v] = true
	s.items = append(s.items, v)
}
