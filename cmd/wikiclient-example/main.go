// Command wikiclient-example demonstrates a minimal end-to-end use of
// the mediawiki client: bootstrap a site, page through a generator,
// and make a single edit.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/wikiclientgo/mediawiki"
)

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func main() {
	logger := log.New(os.Stdout, "wikiclient-example ", log.LstdFlags)

	endpoint := getenv("WIKI_API_URL", "https://en.wikipedia.org/w/api.php")
	username := os.Getenv("WIKI_USERNAME")
	password := os.Getenv("WIKI_PASSWORD")
	editTitle := os.Getenv("WIKI_EDIT_TITLE")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport := mediawiki.NewClient(
		mediawiki.WithUserAgent("wikiclient-example/1.0 (https://github.com/wikiclientgo/mediawiki)"),
		mediawiki.WithTimeout(30*time.Second),
	)
	site := mediawiki.NewSiteWithClient(endpoint, transport)

	if err := site.Bootstrap(ctx); err != nil {
		logger.Fatalf("bootstrap: %v", err)
	}
	info := site.Info()
	logger.Printf("connected to %s (generator %s)", info.SiteName, info.Generator)

	if username != "" && password != "" {
		if err := site.Login(ctx, username, password); err != nil {
			logger.Fatalf("login: %v", err)
		}
		logger.Printf("logged in as %s", site.Account().Name)
	}

	gen := mediawiki.AllPages(site, mediawiki.AllPagesOptions{PageSize: 10})
	it := gen.Iterator()
	count := 0
	for {
		stub, ok, err := it.Next(ctx)
		if err != nil {
			logger.Fatalf("allpages: %v", err)
		}
		if !ok {
			break
		}
		if title, ok := stub["title"].(string); ok {
			logger.Printf("page: %s", title)
		}
		count++
		if count >= 10 {
			break
		}
	}

	if editTitle != "" && username != "" {
		page := site.Page(editTitle)
		if err := page.Refresh(ctx, mediawiki.RefreshOptions{FetchContent: true}); err != nil {
			logger.Fatalf("refresh %s: %v", editTitle, err)
		}
		newContent := page.Content + "\n\nEdited via wikiclient-example.\n"
		changed, err := page.UpdateContent(ctx, newContent, "", false, false, mediawiki.AutoWatchNoChange)
		if err != nil {
			logger.Fatalf("edit %s: %v", editTitle, err)
		}
		logger.Printf("edited %s (changed=%v)", editTitle, changed)
	}
}
