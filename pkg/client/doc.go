// Package client is the Go SDK for the Changerawr custom-domain API.
//
// # Attaching a domain
//
//	c, err := client.New("https://api.changerawr.app")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	d, err := c.AddDomain(ctx, projectID, "changelog.acme.com")
//	for _, rec := range d.Instructions {
//	    fmt.Printf("%s %s -> %s\n", rec.Type, rec.Name, rec.Value)
//	}
//
// # Verifying
//
// Once the records are published, ask the platform to check them:
//
//	res, err := c.VerifyDomain(ctx, d.ID)
//	if errors.Is(err, client.ErrVerificationPending) {
//	    // res.Errors explains what is still missing
//	}
//
// A pending domain may be retried until it is verified or expires after 48
// hours; the platform also rechecks pending domains in the background.
package client
