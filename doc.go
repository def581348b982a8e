// Package mediawiki implements a client for the MediaWiki Action API
// (https://www.mediawiki.org/wiki/API:Main_page). It covers page
// read/edit/move/delete, chunked file uploads, generator-backed
// pagination over large result sets, title parsing, and session/token
// management, against any MediaWiki-compatible site (Wikipedia,
// Wikidata, Fandom, or a private installation).
//
// A Site is the main entry point:
//
//	site, err := mediawiki.NewSite("https://en.wikipedia.org/w/api.php")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := site.Bootstrap(ctx); err != nil {
//		log.Fatal(err)
//	}
//	page := site.Page("Main Page")
//	if err := page.Refresh(ctx, mediawiki.RefreshOptions{FetchContent: true}); err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(page.Content)
package mediawiki
