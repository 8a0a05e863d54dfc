// Package outlook searches Outlook mailboxes for email chains.
//
// The desktop automation surface is single-threaded, so every backend call
// runs on one command queue lane with concurrency 1. On Windows the backend
// drives Outlook over COM; elsewhere the default backend reports that Outlook
// is unavailable.
//
// Invariants:
//   - At most one backend call runs at a time.
//   - A caller waits at most SearchTimeout plus ten seconds. When the wait ends
//     the work item's context is cancelled and ErrWorkerTimeout is returned; the
//     lane keeps serving later calls.
//   - Each mailbox is searched with the advanced search first. Zero results, or
//     a failed advanced search, fall back to the restrict search.
//
// Usage:
//
//	client := outlook.NewClient(cfg, outlook.NewDefaultBackend(), queue)
//	resp, err := client.SearchEmailChain(ctx, "INC-12345", true, true)
package outlook
