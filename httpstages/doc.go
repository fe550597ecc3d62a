// Package httpstages provides chain stages for HTTP requests and response handling.
//
// Use Get or Fetch to perform a GET request into a context key, DecodeJSON to unmarshal the
// response body, and Expect to verify the decoded result and fail the stage if not as expected.
// Download streams a URL into a cache artifact, which makes it a natural on_error fallback
// for a stage that needs a local input file.
//
// Example chain: fetch → decode → check
//
//	stages := map[string]pipeline.Stage{
//	    "fetch":  httpstages.Get(nil, "https://api.example.com/status", "body"),
//	    "decode": httpstages.DecodeJSON("body", "status"),
//	    "check": httpstages.Expect("status", func(v interface{}) error {
//	        m, _ := v.(map[string]interface{})
//	        if m["status"] != "ok" { return fmt.Errorf("unexpected status") }
//	        return nil
//	    }),
//	}
//	chain, err := pipeline.NewChain("check-api", "fetch", stages, pipeline.Linear("fetch", "decode", "check"))
package httpstages
