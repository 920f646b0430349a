package origin

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	cardstats "github.com/wolfeidau/card-stats"
	"golang.org/x/net/html"
)

const (
	classWishlistItem = "profile__friends-item"
	classOwnersItem   = "card-show__owner"
	classPagination   = "pagination"
	classPageButton   = "pagination__button"
)

var pageParam = regexp.MustCompile(`page=(\d+)`)

// Page is what a listing page says about its metric.
type Page struct {
	// Items is the number of user entries on this page.
	Items int
	// LastPage is the highest page number linked from the pagination bar, at least 1.
	LastPage int
}

// ItemClass returns the CSS class marking one listed user for a metric.
func ItemClass(m cardstats.Metric) string {
	if m == cardstats.MetricWishlist {
		return classWishlistItem
	}
	return classOwnersItem
}

// ParsePage counts the listed users on a page and finds the last page number.
func ParsePage(body []byte, m cardstats.Metric) (Page, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return Page{}, fmt.Errorf("parsing HTML: %w", err)
	}

	itemClass := ItemClass(m)
	page := Page{LastPage: 1}

	var walk func(n *html.Node, inPagination, inButton bool)
	walk = func(n *html.Node, inPagination, inButton bool) {
		if n.Type == html.ElementNode {
			switch {
			case hasClass(n, itemClass):
				page.Items++
			case n.Data == "ul" && hasClass(n, classPagination):
				inPagination = true
			case n.Data == "li" && inPagination && hasClass(n, classPageButton):
				inButton = true
			case n.Data == "a" && inButton:
				if p := pageNumber(attr(n, "href")); p > page.LastPage {
					page.LastPage = p
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inPagination, inButton)
		}
	}
	walk(doc, false, false)

	return page, nil
}

// Total reconstructs a full count from the first and last pages.
func Total(itemsPerPage, lastPage, itemsOnLastPage int) int {
	if lastPage <= 1 {
		return itemsPerPage
	}
	return itemsPerPage*(lastPage-1) + itemsOnLastPage
}

func pageNumber(href string) int {
	match := pageParam.FindStringSubmatch(href)
	if match == nil {
		return 0
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0
	}
	return n
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}
