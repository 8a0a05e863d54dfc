//go:build windows

package outlook

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	ole "github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
)

const (
	olFolderInbox      = 6
	searchPollInterval = 250 * time.Millisecond
	// sFalse is returned by CoInitializeEx when COM is already initialized on
	// the thread.
	sFalse = 1
)

type comBackend struct{}

// NewDefaultBackend returns the COM backend driving Outlook Desktop.
func NewDefaultBackend() Backend {
	return comBackend{}
}

// comSession owns the COM objects of one backend call. Every variant it hands
// out is cleared when the call ends.
type comSession struct {
	app      *ole.IDispatch
	ns       *ole.IDispatch
	variants []*ole.VARIANT
}

// withSession locks the goroutine to its OS thread, initializes a
// single-threaded apartment and connects to Outlook for the duration of fn.
func withSession(fn func(s *comSession) error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		var oleErr *ole.OleError
		if !errors.As(err, &oleErr) || oleErr.Code() != sFalse {
			return fmt.Errorf("initialize COM: %w", err)
		}
	}
	defer ole.CoUninitialize()

	unknown, err := oleutil.CreateObject("Outlook.Application")
	if err != nil {
		return fmt.Errorf("cannot connect to Outlook. Ensure Outlook Desktop is running and "+
			"programmatic access is allowed in Trust Center > Macro Settings: %w", err)
	}
	defer unknown.Release()

	app, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return fmt.Errorf("query Outlook dispatch: %w", err)
	}
	defer app.Release()

	s := &comSession{app: app}
	defer s.release()

	if s.ns, err = s.call(app, "GetNamespace", "MAPI"); err != nil {
		return fmt.Errorf("open MAPI namespace: %w", err)
	}
	return fn(s)
}

func (s *comSession) release() {
	for i := len(s.variants) - 1; i >= 0; i-- {
		_ = s.variants[i].Clear()
	}
	s.variants = nil
}

func (s *comSession) call(disp *ole.IDispatch, method string, args ...interface{}) (*ole.IDispatch, error) {
	v, err := oleutil.CallMethod(disp, method, args...)
	if err != nil {
		return nil, err
	}
	s.variants = append(s.variants, v)
	return v.ToIDispatch(), nil
}

func (s *comSession) object(disp *ole.IDispatch, prop string) (*ole.IDispatch, error) {
	v, err := oleutil.GetProperty(disp, prop)
	if err != nil {
		return nil, err
	}
	s.variants = append(s.variants, v)
	return v.ToIDispatch(), nil
}

func value(disp *ole.IDispatch, prop string) (interface{}, error) {
	v, err := oleutil.GetProperty(disp, prop)
	if err != nil {
		return nil, err
	}
	defer func() { _ = v.Clear() }()
	return v.Value(), nil
}

func stringProp(disp *ole.IDispatch, prop string) string {
	v, err := value(disp, prop)
	if err != nil || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func intProp(disp *ole.IDispatch, prop string) int {
	v, err := value(disp, prop)
	if err != nil {
		return 0
	}
	switch n := v.(type) {
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case int:
		return n
	}
	return 0
}

func boolProp(disp *ole.IDispatch, prop string) bool {
	v, err := value(disp, prop)
	if err != nil {
		return false
	}
	b, _ := v.(bool)
	return b
}

func dateProp(disp *ole.IDispatch, prop string) string {
	v, err := value(disp, prop)
	if err != nil || v == nil {
		return ""
	}
	if t, ok := v.(time.Time); ok {
		return t.Format("2006-01-02 15:04:05")
	}
	return fmt.Sprint(v)
}

// inbox opens the inbox of the personal or the shared mailbox.
func (s *comSession) inbox(mailbox Mailbox, sharedAddress string) (*ole.IDispatch, string, error) {
	var (
		folder *ole.IDispatch
		err    error
	)
	if mailbox == MailboxShared {
		recipient, rerr := s.call(s.ns, "CreateRecipient", sharedAddress)
		if rerr != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrMailboxUnavailable, rerr)
		}
		if _, rerr = s.call(recipient, "Resolve"); rerr != nil || !boolProp(recipient, "Resolved") {
			return nil, "", fmt.Errorf("%w: could not resolve recipient: %s", ErrMailboxUnavailable, sharedAddress)
		}
		folder, err = s.call(s.ns, "GetSharedDefaultFolder", recipient, olFolderInbox)
	} else {
		folder, err = s.call(s.ns, "GetDefaultFolder", olFolderInbox)
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMailboxUnavailable, err)
	}
	return folder, stringProp(folder, "FolderPath"), nil
}

func (comBackend) Status(ctx context.Context, sharedAddress string) (*Status, error) {
	var st *Status
	err := withSession(func(s *comSession) error {
		st = &Status{Connected: true, OutlookVersion: stringProp(s.app, "Version")}

		if _, path, err := s.inbox(MailboxPersonal, ""); err != nil {
			st.PersonalMailboxError = err.Error()
		} else {
			st.PersonalMailbox = path
			st.PersonalMailboxAccessible = true
		}

		if sharedAddress != "" {
			accessible := false
			if _, path, err := s.inbox(MailboxShared, sharedAddress); err != nil {
				st.SharedMailboxError = err.Error()
			} else {
				st.SharedMailbox = path
				accessible = true
			}
			st.SharedMailboxAccessible = &accessible
		}
		return nil
	})
	return st, err
}

func escapeSearchText(text string) string {
	text = strings.ReplaceAll(text, `"`, `""`)
	return strings.ReplaceAll(text, "'", "''")
}

func (comBackend) AdvancedSearch(ctx context.Context, q SearchQuery) ([]Email, error) {
	var emails []Email
	err := withSession(func(s *comSession) error {
		_, path, err := s.inbox(q.Mailbox, q.SharedAddress)
		if err != nil {
			return err
		}

		text := escapeSearchText(q.Text)
		dasl := "urn:schemas:httpmail:subject ci_phrasematch '" + text + "' " +
			"OR urn:schemas:httpmail:textdescription ci_phrasematch '" + text + "'"
		tag := fmt.Sprintf("DataLensSearch_%d", time.Now().UnixNano())

		search, err := s.call(s.app, "AdvancedSearch", "'"+path+"'", dasl, q.AllFolders, tag)
		if err != nil {
			return fmt.Errorf("start advanced search: %w", err)
		}

		// Results stay unreadable while the search is still running.
		deadline := time.Now().Add(q.Timeout)
		for {
			results, err := s.object(search, "Results")
			if err == nil {
				emails = s.extract(ctx, results, q.MaxResults)
				return nil
			}
			if !time.Now().Before(deadline) {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(searchPollInterval):
			}
		}
	})
	return emails, err
}

func (comBackend) RestrictSearch(ctx context.Context, q SearchQuery) ([]Email, error) {
	var emails []Email
	err := withSession(func(s *comSession) error {
		folder, _, err := s.inbox(q.Mailbox, q.SharedAddress)
		if err != nil {
			return err
		}

		text := escapeSearchText(q.Text)
		filter := `@SQL="urn:schemas:httpmail:subject" LIKE '%` + text + `%' ` +
			`OR "urn:schemas:httpmail:textdescription" LIKE '%` + text + `%'`

		items, err := s.object(folder, "Items")
		if err != nil {
			return fmt.Errorf("open folder items: %w", err)
		}
		filtered, err := s.call(items, "Restrict", filter)
		if err != nil {
			return fmt.Errorf("restrict items: %w", err)
		}
		emails = s.extract(ctx, filtered, q.MaxResults)
		return nil
	})
	return emails, err
}

// extract reads up to max items of a collection; unreadable items are skipped.
func (s *comSession) extract(ctx context.Context, coll *ole.IDispatch, max int) []Email {
	count := intProp(coll, "Count")
	if max > 0 && count > max {
		count = max
	}

	emails := make([]Email, 0, count)
	for i := 1; i <= count; i++ {
		if ctx.Err() != nil {
			break
		}
		item, err := s.call(coll, "Item", i)
		if err != nil {
			continue
		}
		emails = append(emails, s.email(item))
	}
	return emails
}

func (s *comSession) email(item *ole.IDispatch) Email {
	e := Email{
		Subject:      stringProp(item, "Subject"),
		SenderName:   stringProp(item, "SenderName"),
		SenderEmail:  stringProp(item, "SenderEmailAddress"),
		ReceivedTime: dateProp(item, "ReceivedTime"),
		Importance:   intProp(item, "Importance"),
		Unread:       boolProp(item, "UnRead"),
		EntryID:      stringProp(item, "EntryID"),
		Recipients:   []string{},
		Body:         stringProp(item, "Body"),
	}

	if attachments, err := s.object(item, "Attachments"); err == nil {
		e.AttachmentsCount = intProp(attachments, "Count")
	}
	if recipients, err := s.object(item, "Recipients"); err == nil {
		n := intProp(recipients, "Count")
		for r := 1; r <= n; r++ {
			if recip, err := s.call(recipients, "Item", r); err == nil {
				if name := stringProp(recip, "Name"); name != "" {
					e.Recipients = append(e.Recipients, name)
				}
			}
		}
	}
	return e
}
