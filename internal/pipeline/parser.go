package pipeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/contact-bulk-upload-api/internal/models"
)

var (
	// ErrFileTooLarge is returned when the input exceeds the byte ceiling
	ErrFileTooLarge = errors.New("file exceeds maximum upload size")
	// ErrTooManyRows is returned when the input exceeds the row ceiling
	ErrTooManyRows = errors.New("file exceeds maximum row count")
	// ErrUnreadableInput is returned when the byte stream cannot be read
	ErrUnreadableInput = errors.New("unreadable input")
	// ErrMissingHeader is returned for an empty file
	ErrMissingHeader = errors.New("file has no header row")
)

// ParserConfig bounds and instruments a Parser
type ParserConfig struct {
	MaxBytes  int64
	MaxRows   int
	TickEvery int
	OnTick    func(rows int, bytesRead int64)
}

// ParsedRow is either a contact row or a row-level parse error
type ParsedRow struct {
	Row *models.ContactRow
	Err *models.RowError
}

type field int

const (
	fieldCustom field = iota
	fieldEmail
	fieldFirstName
	fieldLastName
	fieldPhone
	fieldCompany
	fieldJobTitle
	fieldIgnored
)

// headerAliases maps normalized header names to canonical fields
var headerAliases = map[string]field{
	"email":        fieldEmail,
	"emailaddress": fieldEmail,
	"mail":         fieldEmail,
	"firstname":    fieldFirstName,
	"givenname":    fieldFirstName,
	"lastname":     fieldLastName,
	"surname":      fieldLastName,
	"familyname":   fieldLastName,
	"phone":        fieldPhone,
	"phonenumber":  fieldPhone,
	"mobile":       fieldPhone,
	"telephone":    fieldPhone,
	"company":      fieldCompany,
	"companyname":  fieldCompany,
	"organization": fieldCompany,
	"organisation": fieldCompany,
	"jobtitle":     fieldJobTitle,
	"title":        fieldJobTitle,
	"position":     fieldJobTitle,
}

type column struct {
	field field
	name  string
}

// Parser streams CSV bytes into contact rows. It is lazy and cannot be
// restarted: each call to Next consumes input.
type Parser struct {
	reader  *csv.Reader
	counter *countingReader
	columns []column
	cfg     ParserConfig
	count   int
	done    bool
}

// NewParser reads the header row of r and returns a parser positioned on
// the first data row
func NewParser(r io.Reader, cfg ParserConfig) (*Parser, error) {
	counter := &countingReader{r: r, max: cfg.MaxBytes}

	reader := csv.NewReader(counter)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	p := &Parser{
		reader:  reader,
		counter: counter,
		cfg:     cfg,
	}

	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrMissingHeader
	}
	if err != nil {
		return nil, p.fatal(err)
	}
	p.columns = mapColumns(header)

	return p, nil
}

// Next returns the next parsed row. Malformed rows are returned as row
// errors, not as a Go error; a non-nil error is either io.EOF or fatal.
func (p *Parser) Next() (ParsedRow, error) {
	if p.done {
		return ParsedRow{}, io.EOF
	}

	record, err := p.reader.Read()
	if err == io.EOF {
		p.done = true
		return ParsedRow{}, io.EOF
	}

	var parseErr *csv.ParseError
	if err != nil && (p.counter.err != nil || !errors.As(err, &parseErr)) {
		p.done = true
		return ParsedRow{}, p.fatal(err)
	}

	p.count++
	if p.cfg.MaxRows > 0 && p.count > p.cfg.MaxRows {
		p.done = true
		return ParsedRow{}, fmt.Errorf("%w: limit is %d rows", ErrTooManyRows, p.cfg.MaxRows)
	}
	if p.cfg.TickEvery > 0 && p.cfg.OnTick != nil && p.count%p.cfg.TickEvery == 0 {
		p.cfg.OnTick(p.count, p.counter.n)
	}

	if parseErr != nil {
		return ParsedRow{Err: &models.RowError{
			Row:     parseErr.StartLine,
			Message: parseErr.Err.Error(),
		}}, nil
	}

	line, _ := p.reader.FieldPos(0)
	if len(record) != len(p.columns) {
		return ParsedRow{Err: &models.RowError{
			Row:     line,
			Message: fmt.Sprintf("expected %d fields, got %d", len(p.columns), len(record)),
		}}, nil
	}

	return ParsedRow{Row: p.buildRow(line, record)}, nil
}

// Count returns the number of data rows consumed so far, malformed ones included
func (p *Parser) Count() int {
	return p.count
}

// BytesRead returns the number of input bytes consumed so far
func (p *Parser) BytesRead() int64 {
	return p.counter.n
}

func (p *Parser) buildRow(line int, record []string) *models.ContactRow {
	row := &models.ContactRow{
		RowNumber:   line,
		Disposition: models.DispositionPending,
	}

	for i, col := range p.columns {
		value := strings.TrimSpace(record[i])
		switch col.field {
		case fieldEmail:
			row.Email = value
		case fieldFirstName:
			row.FirstName = value
		case fieldLastName:
			row.LastName = value
		case fieldPhone:
			row.Phone = value
		case fieldCompany:
			row.Company = value
		case fieldJobTitle:
			row.JobTitle = value
		case fieldCustom:
			if value == "" {
				continue
			}
			if row.CustomFields == nil {
				row.CustomFields = make(map[string]string)
			}
			row.CustomFields[col.name] = value
		}
	}

	return row
}

func (p *Parser) fatal(err error) error {
	if p.counter.err != nil {
		return p.counter.err
	}
	return fmt.Errorf("%w: %v", ErrUnreadableInput, err)
}

func mapColumns(header []string) []column {
	columns := make([]column, len(header))
	seen := make(map[field]bool)

	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		name := strings.TrimSpace(h)
		key := normalizeHeader(name)

		f, known := headerAliases[key]
		switch {
		case name == "":
			f = fieldIgnored
		case !known:
			f = fieldCustom
		case seen[f]:
			// first column wins for a canonical field
			f = fieldIgnored
		}
		seen[f] = true
		columns[i] = column{field: f, name: name}
	}

	return columns
}

func normalizeHeader(h string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '-', '.':
			return -1
		}
		return r
	}, strings.ToLower(h))
}

// countingReader counts bytes and fails once more than max bytes were read
type countingReader struct {
	r   io.Reader
	n   int64
	max int64
	err error
}

func (c *countingReader) Read(b []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.r.Read(b)
	c.n += int64(n)
	if c.max > 0 && c.n > c.max {
		c.err = fmt.Errorf("%w: limit is %d bytes", ErrFileTooLarge, c.max)
		return n, c.err
	}
	if err != nil && err != io.EOF {
		c.err = fmt.Errorf("%w: %v", ErrUnreadableInput, err)
		return n, c.err
	}
	return n, err
}
