package parser

import (
	"bufio"
	"context"
	"io"
	"mime"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/klauspost/compress/gzip"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpus-cli/internal/model"
)

// MaxRecordBytes is the largest WARC record payload that is parsed; bigger
// records are unlikely to be text and are skipped.
const MaxRecordBytes = 10_000_000

// Separators used to join the structured fields of a page.
const (
	headSep    = "<h>"
	linkSep    = "<t>"
	keywordSep = "<k>"
)

var skipSuffixes = []string{"mp4", "mp3", "jpg", "png", "svg", ".js"}

// WARCParser extracts one document per HTML response record of a WARC file.
type WARCParser struct {
	Debug        bool
	ErrorMarkers []string
	// AllowURLs, when set, keeps only pages whose scheme-less URL starts with
	// one of the entries.
	AllowURLs []string
}

// Parse streams the documents of a (decompressed) WARC file.
func (p *WARCParser) Parse(ctx context.Context, r io.Reader, file model.InputFile) (<-chan *model.Document, <-chan error) {
	outCh := make(chan *model.Document, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		log := zap.L().With(zap.String("component", "warc"), zap.String("file", file.RelPath))
		br := bufio.NewReaderSize(r, 256<<10)
		seq := 0
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "warc: context cancelled")
				return
			}

			hdr, body, err := nextRecord(br)
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrapf(err, "warc: read record of %s", file.RelPath)
				return
			}

			doc, err := p.record(hdr, body, file, seq+1)
			if err != nil {
				log.Debug("skipping record", zap.String("uri", hdr.Get("WARC-Target-URI")), zap.Error(err))
			}
			if _, err := io.Copy(io.Discard, body); err != nil {
				errCh <- eris.Wrapf(err, "warc: skip record body of %s", file.RelPath)
				return
			}
			if doc == nil {
				continue
			}
			seq++
			if !emit(ctx, outCh, doc) {
				errCh <- eris.Wrap(ctx.Err(), "warc: context cancelled")
				return
			}
		}
	}()

	return outCh, errCh
}

// nextRecord reads the next record header and returns a reader limited to its
// block. The caller must drain the block before reading the next record.
func nextRecord(br *bufio.Reader) (textproto.MIMEHeader, io.Reader, error) {
	var version string
	for {
		line, err := br.ReadString('\n')
		if err == io.EOF && strings.TrimSpace(line) == "" {
			return nil, nil, io.EOF
		}
		if err != nil && err != io.EOF {
			return nil, nil, err
		}
		if version = strings.TrimSpace(line); version != "" {
			break
		}
	}
	if !strings.HasPrefix(version, "WARC/") {
		return nil, nil, eris.Errorf("warc: expected version line, got %q", truncate(version, 40))
	}

	hdr, err := textproto.NewReader(br).ReadMIMEHeader()
	if err != nil {
		return nil, nil, eris.Wrap(err, "warc: read headers")
	}
	n, err := strconv.ParseInt(hdr.Get("Content-Length"), 10, 64)
	if err != nil || n < 0 {
		return nil, nil, eris.Errorf("warc: bad Content-Length %q", hdr.Get("Content-Length"))
	}
	return hdr, io.LimitReader(br, n), nil
}

// record turns one WARC record into a document, or returns nil when the
// record is not a usable page.
func (p *WARCParser) record(hdr textproto.MIMEHeader, body io.Reader, file model.InputFile, seq int) (*model.Document, error) {
	if hdr.Get("WARC-Type") != "response" {
		return nil, nil
	}
	if ct, _, _ := mime.ParseMediaType(hdr.Get("Content-Type")); ct != "application/http" {
		return nil, nil
	}
	uri := strings.Trim(hdr.Get("WARC-Target-URI"), "<>")
	if uri == "" || hasSkipSuffix(uri) {
		return nil, nil
	}
	if n, _ := strconv.ParseInt(hdr.Get("Content-Length"), 10, 64); n > MaxRecordBytes {
		return nil, nil
	}
	if !p.allowed(uri) {
		return nil, nil
	}

	resp, err := http.ReadResponse(bufio.NewReader(body), nil)
	if err != nil {
		return nil, eris.Wrap(err, "warc: parse http payload")
	}
	defer resp.Body.Close() //nolint:errcheck

	mediaType, params, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "" && !strings.Contains(mediaType, "html") {
		return nil, nil
	}

	var payload io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, eris.Wrap(err, "warc: open gzip payload")
		}
		defer zr.Close() //nolint:errcheck
		payload = zr
	}
	raw, err := io.ReadAll(io.LimitReader(payload, MaxRecordBytes))
	if err != nil {
		return nil, eris.Wrap(err, "warc: read payload")
	}
	if len(raw) == 0 {
		return nil, nil
	}
	html, err := decodeText(raw, params["charset"])
	if err != nil {
		return nil, err
	}

	page, err := extractPage(html)
	if err != nil {
		return nil, err
	}
	if !hasASCIILetter(page.paragraphs) || p.isErrorPage(page.paragraphs) {
		return nil, nil
	}

	doc := model.NewDocument(file, seq, page.paragraphs, p.Debug)
	doc.URL = uri
	doc.Heads = page.heads
	doc.Title = page.links
	doc.Keywords = page.keywords
	return doc, nil
}

type page struct {
	paragraphs string
	heads      string
	links      string
	keywords   string
}

// extractPage pulls paragraphs, headings, titled links and meta keywords out
// of an HTML page. Paragraphs are joined by newlines.
func extractPage(html string) (page, error) {
	dom, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return page{}, eris.Wrap(err, "warc: parse html")
	}
	dom.Find("br").ReplaceWithHtml("\n")

	var paragraphs, heads, links, keywords []string
	dom.Find("p").Each(func(_ int, s *goquery.Selection) {
		if t := collapse(s.Text()); t != "" {
			paragraphs = append(paragraphs, t)
		}
	})
	for _, h := range []string{"h1", "h2", "h3", "h4", "h5", "h6"} {
		dom.Find(h).Each(func(_ int, s *goquery.Selection) {
			if t := collapse(s.Text()); t != "" {
				heads = append(heads, t)
			}
		})
	}
	dom.Find("a[href][title]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		title, _ := s.Attr("title")
		links = append(links, href+"|"+title)
	})
	dom.Find("meta[name][content]").Each(func(_ int, s *goquery.Selection) {
		if name, _ := s.Attr("name"); strings.EqualFold(name, "keywords") {
			content, _ := s.Attr("content")
			keywords = append(keywords, content)
		}
	})

	return page{
		paragraphs: strings.Join(paragraphs, "\n"),
		heads:      strings.Join(heads, headSep),
		links:      strings.Join(links, linkSep),
		keywords:   strings.Join(keywords, keywordSep),
	}, nil
}

// collapse squeezes runs of blanks inside each line and drops empty lines.
func collapse(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if f := strings.Fields(line); len(f) > 0 {
			lines = append(lines, strings.Join(f, " "))
		}
	}
	return strings.Join(lines, "\n")
}

func (p *WARCParser) isErrorPage(text string) bool {
	for _, m := range p.ErrorMarkers {
		if m != "" && strings.Contains(text, m) {
			return true
		}
	}
	return false
}

func (p *WARCParser) allowed(uri string) bool {
	if len(p.AllowURLs) == 0 {
		return true
	}
	u := stripScheme(uri)
	for _, prefix := range p.AllowURLs {
		if strings.HasPrefix(u, prefix) {
			return true
		}
	}
	return false
}

func hasSkipSuffix(uri string) bool {
	u := strings.ToLower(uri)
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	for _, s := range skipSuffixes {
		if strings.HasSuffix(u, s) {
			return true
		}
	}
	return false
}

func hasASCIILetter(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
	}) >= 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
