package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/tunaaoguzhann/oncelink/client"
)

func main() {
	serviceURL := os.Getenv("ONCELINK_URL")
	if serviceURL == "" {
		serviceURL = "http://localhost:8080"
	}
	secret := os.Getenv("ONCELINK_API_SECRET")

	c := client.New(serviceURL, secret)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	link, err := c.CreateLink(ctx, "https://files.example.com/ebooks/guide.pdf", map[string]any{
		"purchase_id": "p-1001",
		"user_id":     "u-42",
	})
	if err != nil {
		if errors.Is(err, client.ErrUnauthorized) {
			log.Fatalf("Secret rejected; set ONCELINK_API_SECRET to the service's secret")
		}
		log.Fatalf("Failed to create link: %v", err)
	}

	fmt.Printf("Created download link:\n")
	fmt.Printf("  URL: %s\n", link.DownloadURL)
	fmt.Printf("  Expires At: %s\n", link.ExpiresAt.Format(time.RFC3339))

	noFollow := &http.Client{
		Timeout:       5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	for i := 1; i <= 2; i++ {
		resp, err := noFollow.Get(link.DownloadURL)
		if err != nil {
			log.Fatalf("Redeem attempt %d: %v", i, err)
		}
		resp.Body.Close()
		fmt.Printf("\nAttempt %d: %d %s\n", i, resp.StatusCode, resp.Header.Get("Location"))
	}
	fmt.Printf("\nAs expected, the link only works once.\n")
}
