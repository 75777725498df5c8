package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tunaaoguzhann/sign-access/audit"
	"github.com/tunaaoguzhann/sign-access/core"
)

func main() {
	ctx := context.Background()
	auditSvc := audit.NewService(audit.NewMemoryRepo())

	manager, err := core.NewManager(core.ManagerOptions{
		Secret: "my-secret-key-12345",
		Audit:  auditSvc,
	})
	if err != nil {
		log.Fatalf("Failed to create manager: %v", err)
	}
	store := core.NewMemoryStore()

	issued, err := manager.Issue(ctx, 42, core.TokenCheckout)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}
	now := time.Now()
	if err := store.Save(ctx, core.NewSignatureRequest(issued, now), issued.ExpiresAt.Sub(now)); err != nil {
		log.Fatalf("Failed to save request: %v", err)
	}

	fmt.Printf("Issued signature token:\n")
	fmt.Printf("  Resource ID: %d\n", issued.ResourceID)
	fmt.Printf("  Type: %s\n", issued.Type)
	fmt.Printf("  Expires At: %s\n", issued.ExpiresAt)
	fmt.Printf("  Token: %s\n\n", issued.Token)

	classify := func() core.Result {
		req, err := store.Get(ctx, issued.ResourceID, issued.Type)
		if err != nil {
			log.Fatalf("Failed to load request: %v", err)
		}
		result, err := manager.Classify(ctx, core.Check{
			Presented:  issued.Token,
			Stored:     req.Stored(),
			ResourceID: issued.ResourceID,
			Type:       issued.Type,
			ClientIP:   "203.0.113.7",
		})
		if err != nil {
			log.Fatalf("Failed to classify token: %v", err)
		}
		return result
	}

	fmt.Printf("First presentation: %s\n", classify())

	if err := store.Complete(ctx, issued.ResourceID, issued.Type, issued.Token, core.StatusSigned, time.Now()); err != nil {
		log.Fatalf("Failed to complete request: %v", err)
	}
	fmt.Printf("Request marked as signed\n")

	result := classify()
	fmt.Printf("Second presentation: %s (%s)\n", result, result.PublicMessage())

	tampered := issued.Token[:len(issued.Token)-1] + "0"
	if tampered == issued.Token {
		tampered = issued.Token[:len(issued.Token)-1] + "1"
	}
	result, _ = manager.Classify(ctx, core.Check{
		Presented:  tampered,
		Stored:     core.Stored{Token: tampered, ExpiresAt: issued.ExpiresAt},
		ResourceID: issued.ResourceID,
		Type:       issued.Type,
	})
	fmt.Printf("Forged signature: %s\n", result)

	summary, err := auditSvc.Summarize(ctx, 1)
	if err != nil {
		log.Fatalf("Failed to summarize audit trail: %v", err)
	}
	fmt.Printf("\nAudit trail: %d events, %d failed\n", summary.TotalAttempts, summary.FailedAttempts)
}
