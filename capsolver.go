// Package capsolver provides a client for solving Cloudflare Turnstile
// widgets and Cloudflare interstitial challenges through the CapSolver
// cloud API.
//
// Basic usage:
//
//	client := capsolver.New("your-api-key")
//	sol, err := client.SolveTurnstile(capsolver.TurnstileConfig{
//	    WebsiteURL: "https://protected-site.com",
//	    WebsiteKey: "0x4AAAAAAA...",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(sol.Token)
//
// With options:
//
//	client := capsolver.New(apiKey,
//	    capsolver.WithAPIBase("https://api.capsolver.com"),
//	    capsolver.WithPollInterval(2*time.Second),
//	    capsolver.WithMaxAttempts(60),
//	)
package capsolver

// Version is the current version of the SDK.
const Version = "0.1.0"
