// Package splunk talks to the Splunk REST API: session-token login, search
// jobs polled to completion, paginated results, and the tools that expose
// them to the agent.
//
// Invariants:
//   - One login is in flight at a time; concurrent callers share its token.
//   - A 401 drops only the token the failing request used, then the request is
//     retried once with a fresh token.
//   - No status poll is issued once MaxExecutionTime has elapsed; the query
//     fails with ErrJobTimeout.
//   - A query never returns more rows than min(requested, MaxResults).
//
// Usage:
//
//	client := splunk.NewClient(cfg)
//	res, err := client.ExecuteQuery(ctx, "index=app error", "-1h", "now", 500)
//	if err != nil {
//		return err
//	}
//	payload := splunk.FormatQueryResponse(res)
package splunk
