package fetch

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ajitpratap0/graphsync/internal/models"
)

// Style names a pagination protocol.
type Style string

const (
	StyleToken  Style = "token"
	StyleOffset Style = "offset"
	StyleCursor Style = "cursor"
	StylePage   Style = "page"
	StyleNone   Style = "none"
)

// maxEmptyPages stops iteration after this many consecutive empty pages,
// even when the API keeps returning a continuation.
const maxEmptyPages = 2

// Pagination describes how a resource is paged. Zero-valued fields take
// per-style defaults.
type Pagination struct {
	Style    Style `yaml:"style" json:"style"`
	PageSize int   `yaml:"page_size" json:"page_size"`
	// ItemsPath locates the record array in an object response.
	ItemsPath string `yaml:"items_path" json:"items_path,omitempty"`

	// Token style.
	TokenParam  string `yaml:"token_param" json:"token_param,omitempty"`
	TokenPath   string `yaml:"token_path" json:"token_path,omitempty"`
	TokenHeader string `yaml:"token_header" json:"token_header,omitempty"`

	// Offset style.
	OffsetParam string `yaml:"offset_param" json:"offset_param,omitempty"`
	LimitParam  string `yaml:"limit_param" json:"limit_param,omitempty"`

	// Cursor style.
	CursorPath  string `yaml:"cursor_path" json:"cursor_path,omitempty"`
	CursorParam string `yaml:"cursor_param" json:"cursor_param,omitempty"`

	// Page-number style.
	PageParam     string `yaml:"page_param" json:"page_param,omitempty"`
	PageSizeParam string `yaml:"page_size_param" json:"page_size_param,omitempty"`
	HasMorePath   string `yaml:"has_more_path" json:"has_more_path,omitempty"`
	FirstPage     int    `yaml:"first_page" json:"first_page,omitempty"`
}

// WithDefaults fills unset fields for the configured style.
func (p Pagination) WithDefaults() Pagination {
	if p.Style == "" {
		p.Style = StyleNone
	}
	if p.PageSize <= 0 {
		p.PageSize = 100
	}
	switch p.Style {
	case StyleToken:
		if p.TokenParam == "" {
			p.TokenParam = "pageToken"
		}
		if p.TokenPath == "" && p.TokenHeader == "" {
			p.TokenPath = "nextPageToken"
		}
		if p.LimitParam == "" {
			p.LimitParam = "pageSize"
		}
	case StyleOffset:
		if p.OffsetParam == "" {
			p.OffsetParam = "offset"
		}
		if p.LimitParam == "" {
			p.LimitParam = "limit"
		}
	case StyleCursor:
		if p.CursorPath == "" {
			p.CursorPath = "paging.next"
		}
		if p.CursorParam == "" {
			p.CursorParam = "after"
		}
		if p.LimitParam == "" {
			p.LimitParam = "limit"
		}
	case StylePage:
		if p.PageParam == "" {
			p.PageParam = "page"
		}
		if p.PageSizeParam == "" {
			p.PageSizeParam = "per_page"
		}
		if p.FirstPage == 0 {
			p.FirstPage = 1
		}
	}
	return p
}

// Validate rejects unknown styles.
func (p Pagination) Validate() error {
	switch p.Style {
	case "", StyleToken, StyleOffset, StyleCursor, StylePage, StyleNone:
		return nil
	default:
		return fmt.Errorf("unknown pagination style %q", p.Style)
	}
}

// pageState tracks the continuation of one FetchAll call.
type pageState struct {
	p          Pagination
	token      string
	cursor     string
	offset     int
	page       int
	emptyPages int
	done       bool
}

func newPageState(p Pagination) *pageState {
	p = p.WithDefaults()
	return &pageState{p: p, page: p.FirstPage}
}

// apply sets the paging parameters for the next request.
func (s *pageState) apply(q url.Values) {
	p := s.p
	switch p.Style {
	case StyleToken:
		q.Set(p.LimitParam, strconv.Itoa(p.PageSize))
		if s.token != "" {
			q.Set(p.TokenParam, s.token)
		}
	case StyleOffset:
		q.Set(p.OffsetParam, strconv.Itoa(s.offset))
		q.Set(p.LimitParam, strconv.Itoa(p.PageSize))
	case StyleCursor:
		q.Set(p.LimitParam, strconv.Itoa(p.PageSize))
		if s.cursor != "" {
			q.Set(p.CursorParam, s.cursor)
		}
	case StylePage:
		q.Set(p.PageParam, strconv.Itoa(s.page))
		q.Set(p.PageSizeParam, strconv.Itoa(p.PageSize))
	}
}

// advance consumes one page and reports whether another request is needed.
func (s *pageState) advance(n int, doc any, h http.Header) bool {
	if n == 0 {
		s.emptyPages++
	} else {
		s.emptyPages = 0
	}
	if s.emptyPages >= maxEmptyPages {
		s.done = true
		return false
	}

	p := s.p
	switch p.Style {
	case StyleToken:
		next := ""
		if p.TokenHeader != "" {
			next = h.Get(p.TokenHeader)
		}
		if next == "" && p.TokenPath != "" {
			next = stringValue(doc, p.TokenPath)
		}
		s.token = next
		s.done = next == ""
	case StyleOffset:
		s.offset += n
		s.done = n < p.PageSize
	case StyleCursor:
		next := ""
		if v, ok := models.Lookup(doc, p.CursorPath); ok {
			switch c := v.(type) {
			case map[string]any:
				next = stringValue(c, p.CursorParam)
			default:
				next = scalarString(c)
			}
		}
		s.cursor = next
		s.done = next == ""
	case StylePage:
		s.page++
		s.done = n == 0
		if !s.done && p.HasMorePath != "" {
			if v, ok := models.Lookup(doc, p.HasMorePath); ok {
				if more, isBool := v.(bool); isBool && !more {
					s.done = true
				}
			}
		}
	default:
		s.done = true
	}
	return !s.done
}

func stringValue(doc any, path string) string {
	v, ok := models.Lookup(doc, path)
	if !ok {
		return ""
	}
	return scalarString(v)
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

var fallbackItemKeys = []string{"items", "data", "results", "records"}

// extractItems finds the record array in a decoded response.
func extractItems(doc any, itemsPath string) ([]any, error) {
	if itemsPath != "" {
		v, ok := models.Lookup(doc, itemsPath)
		if !ok {
			return nil, nil
		}
		items, isList := v.([]any)
		if !isList {
			return nil, fmt.Errorf("items path %q is not an array", itemsPath)
		}
		return items, nil
	}
	switch t := doc.(type) {
	case []any:
		return t, nil
	case map[string]any:
		for _, k := range fallbackItemKeys {
			if items, ok := t[k].([]any); ok {
				return items, nil
			}
		}
		return nil, fmt.Errorf("response is an object without a recognizable items array; set items_path")
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected response of type %T", doc)
	}
}
