package retrieve

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"tilestream/internal/tile"
)

// URLBuilder maps a tile to the URL it is served from.
type URLBuilder interface {
	URL(t *tile.Tile) (string, error)
}

// ServiceURLBuilder produces service?T={dataset}&L={level name}&X={column}&Y={row}.
type ServiceURLBuilder struct{}

func (ServiceURLBuilder) URL(t *tile.Tile) (string, error) {
	l := t.Level()
	service := l.Service()
	if service == "" {
		return "", fmt.Errorf("level %d of %s has no service url", l.Number(), l.CacheName())
	}

	var sb strings.Builder
	sb.WriteString(service)
	if !strings.HasSuffix(service, "?") {
		if strings.Contains(service, "?") {
			sb.WriteString("&")
		} else {
			sb.WriteString("?")
		}
	}
	fmt.Fprintf(&sb, "T=%s&L=%s&X=%d&Y=%d",
		url.QueryEscape(l.Dataset()), url.QueryEscape(l.Name()), t.Column(), t.Row())
	return sb.String(), nil
}

// TemplateURLBuilder expands {z}, {x}, {y} and {dataset} in a URL template. {z} is the
// level name, {x} the column and {y} the row counted from the south.
type TemplateURLBuilder struct {
	Template string
}

func (b TemplateURLBuilder) URL(t *tile.Tile) (string, error) {
	if b.Template == "" {
		return "", fmt.Errorf("empty url template")
	}
	r := strings.NewReplacer(
		"{z}", t.Level().Name(),
		"{x}", strconv.Itoa(t.Column()),
		"{y}", strconv.Itoa(t.Row()),
		"{dataset}", url.PathEscape(t.Level().Dataset()),
	)
	return r.Replace(b.Template), nil
}

// NewURLBuilder returns a TemplateURLBuilder when service contains placeholders and a
// ServiceURLBuilder otherwise.
func NewURLBuilder(service string) URLBuilder {
	if strings.Contains(service, "{x}") || strings.Contains(service, "{z}") {
		return TemplateURLBuilder{Template: service}
	}
	return ServiceURLBuilder{}
}
