// Package ingest turns scraped ad records into models.Ad values and feeds
// them through the clustering engine.
package ingest

import (
	"bufio"
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"adsets/internal/models"
)

//go:embed ad.schema.json
var adSchemaJSON string

const maxRecordBytes = 16 << 20

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

// RecordError reports why one input record was skipped
type RecordError struct {
	Index int // position of the record in the input, starting at 0
	Line  int // input line for newline-delimited input, 0 for arrays
	Err   error
}

func (e *RecordError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("record %d (line %d): %v", e.Index, e.Line, e.Err)
	}
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// record is the wire shape of a scraped ad
type record struct {
	ArchiveID    any            `json:"archive_id"`
	BodyText     *string        `json:"body_text"`
	StartDate    any            `json:"start_date"`
	Creatives    []creativeWire `json:"creatives"`
	PrimaryMedia *mediaWire     `json:"primary_media"`
}

type creativeWire struct {
	Body  *string     `json:"body"`
	Media []mediaWire `json:"media"`
}

type mediaWire struct {
	Kind    *string `json:"kind"`
	URL     *string `json:"url"`
	Quality *string `json:"quality"`
}

// Decode reads either a JSON array of ad records or newline-delimited JSON.
// Records failing validation are skipped and reported; only a read failure
// or a malformed array is fatal.
func Decode(r io.Reader) ([]*models.Ad, []*RecordError, error) {
	br := bufio.NewReaderSize(r, 64<<10)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read input: %w", err)
	}

	if first == '[' {
		return decodeArray(br)
	}
	return decodeLines(br)
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			if _, err := br.ReadByte(); err != nil {
				return 0, err
			}
		default:
			return b[0], nil
		}
	}
}

func decodeArray(r io.Reader) ([]*models.Ad, []*RecordError, error) {
	var raws []json.RawMessage
	if err := json.NewDecoder(r).Decode(&raws); err != nil {
		return nil, nil, fmt.Errorf("decode array: %w", err)
	}

	var (
		ads  []*models.Ad
		errs []*RecordError
	)
	for i, raw := range raws {
		ad, err := DecodeRecord(raw)
		if err != nil {
			errs = append(errs, &RecordError{Index: i, Err: err})
			continue
		}
		ads = append(ads, ad)
	}
	return ads, errs, nil
}

func decodeLines(r io.Reader) ([]*models.Ad, []*RecordError, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxRecordBytes)

	var (
		ads   []*models.Ad
		errs  []*RecordError
		line  int
		index int
	)
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		ad, err := DecodeRecord(raw)
		if err != nil {
			errs = append(errs, &RecordError{Index: index, Line: line, Err: err})
		} else {
			ads = append(ads, ad)
		}
		index++
	}
	if err := scanner.Err(); err != nil {
		return ads, errs, fmt.Errorf("read line %d: %w", line+1, err)
	}
	return ads, errs, nil
}

// DecodeRecord validates one raw record against the ad schema and converts it
func DecodeRecord(raw []byte) (*models.Ad, error) {
	value, err := decodeStrictJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("decode record JSON: %w", err)
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize record JSON: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(normalized))
	dec.UseNumber()
	var rec record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec.toAd()
}

func (r *record) toAd() (*models.Ad, error) {
	id, err := archiveID(r.ArchiveID)
	if err != nil {
		return nil, err
	}

	ad := &models.Ad{
		ArchiveID: id,
		BodyText:  strings.TrimSpace(deref(r.BodyText)),
		StartDate: parseStartDate(r.StartDate),
	}
	for _, c := range r.Creatives {
		creative := models.Creative{Body: strings.TrimSpace(deref(c.Body))}
		for _, m := range c.Media {
			if media, ok := m.toMedia(); ok {
				creative.Media = append(creative.Media, media)
			}
		}
		if creative.Body == "" && len(creative.Media) == 0 {
			continue
		}
		ad.Creatives = append(ad.Creatives, creative)
	}
	if r.PrimaryMedia != nil {
		if media, ok := r.PrimaryMedia.toMedia(); ok {
			ad.PrimaryMedia = &media
		}
	}
	return ad, nil
}

func archiveID(v any) (string, error) {
	switch id := v.(type) {
	case string:
		if s := strings.TrimSpace(id); s != "" {
			return s, nil
		}
	case json.Number:
		if _, err := id.Int64(); err == nil {
			return id.String(), nil
		}
	}
	return "", errors.New("archive_id must be a non-empty string or integer")
}

func (m mediaWire) toMedia() (models.Media, bool) {
	url := strings.TrimSpace(deref(m.URL))
	if url == "" {
		return models.Media{}, false
	}

	media := models.Media{URL: url}
	switch models.MediaKind(strings.ToLower(strings.TrimSpace(deref(m.Kind)))) {
	case models.KindImage:
		media.Kind = models.KindImage
	case models.KindVideo:
		media.Kind = models.KindVideo
	default:
		media.Kind = models.KindUnknown
	}
	switch models.Quality(strings.ToLower(strings.TrimSpace(deref(m.Quality)))) {
	case models.QualityHD:
		media.Quality = models.QualityHD
	case models.QualitySD:
		media.Quality = models.QualitySD
	case models.QualityThumbnail:
		media.Quality = models.QualityThumbnail
	}
	return media, true
}

// parseStartDate accepts an ISO date, an RFC3339 timestamp or integer unix
// seconds. Anything else means the ad is undated.
func parseStartDate(v any) *time.Time {
	var t time.Time
	switch d := v.(type) {
	case string:
		s := strings.TrimSpace(d)
		parsed, err := time.Parse("2006-01-02", s)
		if err != nil {
			parsed, err = time.Parse(time.RFC3339, s)
		}
		if err != nil {
			return nil
		}
		t = parsed.UTC()
	case json.Number:
		secs, err := d.Int64()
		if err != nil || secs <= 0 {
			return nil
		}
		t = time.Unix(secs, 0).UTC()
	default:
		return nil
	}
	return &t
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020

		if err := compiler.AddResource("ad.schema.json", strings.NewReader(adSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}

		schema, err := compiler.Compile("ad.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}

		compiledSchema = schema
	})

	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	if compiledSchema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return compiledSchema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("record is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("record contains trailing content")
	}

	return value, nil
}
