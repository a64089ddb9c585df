package fits

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	cardLength  = 80
	blockLength = 2880
	cardsPerBlk = blockLength / cardLength
)

// Card is a single 80-character header record, split into keyword,
// raw value and comment.
type Card struct {
	Keyword string
	Value   string
	Comment string
}

// Header is an ordered list of cards with keyword lookup. FITS allows
// duplicate COMMENT/HISTORY keywords, so lookup returns the first
// match only.
type Header struct {
	cards []Card
}

// NewHeader returns an empty header.
func NewHeader() *Header {
	return &Header{}
}

// Cards returns the underlying card list in file order.
func (h *Header) Cards() []Card {
	return h.cards
}

// Clone returns a deep copy of the header.
func (h *Header) Clone() *Header {
	out := &Header{cards: make([]Card, len(h.cards))}
	copy(out.cards, h.cards)
	return out
}

func (h *Header) find(keyword string) int {
	for i, card := range h.cards {
		if card.Keyword == keyword {
			return i
		}
	}
	return -1
}

// Has reports whether the keyword is present.
func (h *Header) Has(keyword string) bool {
	return h.find(keyword) >= 0
}

// Str returns the string value of a keyword, with FITS quoting removed.
func (h *Header) Str(keyword string) (string, error) {
	i := h.find(keyword)
	if i < 0 {
		return "", fmt.Errorf("header keyword %s not found", keyword)
	}
	v := h.cards[i].Value
	if strings.HasPrefix(v, "'") {
		v = strings.TrimPrefix(v, "'")
		if j := strings.LastIndex(v, "'"); j >= 0 {
			v = v[:j]
		}
		// FITS escapes a quote inside a string as ''
		v = strings.ReplaceAll(v, "''", "'")
	}
	return strings.TrimSpace(v), nil
}

// Int returns the integer value of a keyword.
func (h *Header) Int(keyword string) (int, error) {
	i := h.find(keyword)
	if i < 0 {
		return 0, fmt.Errorf("header keyword %s not found", keyword)
	}
	n, err := strconv.Atoi(strings.TrimSpace(h.cards[i].Value))
	if err != nil {
		return 0, fmt.Errorf("header keyword %s is not an integer: %w", keyword, err)
	}
	return n, nil
}

// Float returns the floating point value of a keyword. FITS permits
// Fortran style exponents (1.0D3), which are normalised first.
func (h *Header) Float(keyword string) (float64, error) {
	i := h.find(keyword)
	if i < 0 {
		return 0, fmt.Errorf("header keyword %s not found", keyword)
	}
	raw := strings.TrimSpace(h.cards[i].Value)
	raw = strings.ReplaceAll(raw, "D", "E")
	raw = strings.ReplaceAll(raw, "d", "e")
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("header keyword %s is not a number: %w", keyword, err)
	}
	return f, nil
}

// FloatOr returns the value of a keyword or the fallback when the
// keyword is absent or malformed.
func (h *Header) FloatOr(keyword string, fallback float64) float64 {
	f, err := h.Float(keyword)
	if err != nil {
		return fallback
	}
	return f
}

// SetInt sets or appends an integer-valued card.
func (h *Header) SetInt(keyword string, value int, comment string) {
	h.set(keyword, strconv.Itoa(value), comment)
}

// SetFloat sets or appends a float-valued card.
func (h *Header) SetFloat(keyword string, value float64, comment string) {
	h.set(keyword, strconv.FormatFloat(value, 'E', 10, 64), comment)
}

// SetLogical sets or appends a logical card.
func (h *Header) SetLogical(keyword string, value bool, comment string) {
	v := "F"
	if value {
		v = "T"
	}
	h.set(keyword, v, comment)
}

// SetStr sets or appends a string-valued card.
func (h *Header) SetStr(keyword, value, comment string) {
	quoted := "'" + strings.ReplaceAll(value, "'", "''") + "'"
	h.set(keyword, quoted, comment)
}

// Remove deletes all cards with the given keyword.
func (h *Header) Remove(keyword string) {
	kept := h.cards[:0]
	for _, card := range h.cards {
		if card.Keyword != keyword {
			kept = append(kept, card)
		}
	}
	h.cards = kept
}

func (h *Header) set(keyword, value, comment string) {
	if i := h.find(keyword); i >= 0 {
		h.cards[i].Value = value
		if comment != "" {
			h.cards[i].Comment = comment
		}
		return
	}
	h.cards = append(h.cards, Card{Keyword: keyword, Value: value, Comment: comment})
}

// parseCard splits one 80-character record. Records without a value
// indicator (COMMENT, HISTORY, blank keywords) keep their text in the
// comment field.
func parseCard(record []byte) Card {
	keyword := strings.TrimRight(string(record[:8]), " ")
	rest := string(record[8:])

	if keyword == "COMMENT" || keyword == "HISTORY" || keyword == "" || !strings.HasPrefix(rest, "= ") {
		return Card{Keyword: keyword, Comment: strings.TrimRight(rest, " ")}
	}

	body := rest[2:]
	var value, comment string
	if strings.HasPrefix(strings.TrimLeft(body, " "), "'") {
		// String value: the comment separator is the first / after the
		// closing quote.
		trimmed := strings.TrimLeft(body, " ")
		end := 1
		for end < len(trimmed) {
			if trimmed[end] == '\'' {
				if end+1 < len(trimmed) && trimmed[end+1] == '\'' {
					end += 2
					continue
				}
				break
			}
			end++
		}
		if end < len(trimmed) {
			value = trimmed[:end+1]
			if j := strings.Index(trimmed[end+1:], "/"); j >= 0 {
				comment = strings.TrimSpace(trimmed[end+1+j+1:])
			}
		} else {
			value = trimmed
		}
	} else if j := strings.Index(body, "/"); j >= 0 {
		value = strings.TrimSpace(body[:j])
		comment = strings.TrimSpace(body[j+1:])
	} else {
		value = strings.TrimSpace(body)
	}
	return Card{Keyword: keyword, Value: value, Comment: comment}
}

// formatCard renders a card back to its fixed 80-character form.
func formatCard(card Card) []byte {
	record := make([]byte, cardLength)
	for i := range record {
		record[i] = ' '
	}
	copy(record, card.Keyword)

	if card.Keyword == "COMMENT" || card.Keyword == "HISTORY" || card.Keyword == "" || card.Keyword == "END" {
		copy(record[8:], card.Comment)
		return record
	}

	record[8] = '='
	var body string
	if strings.HasPrefix(card.Value, "'") {
		// Strings are left-justified from column 11.
		body = card.Value
	} else {
		// Fixed format right-justifies the value to column 30.
		body = fmt.Sprintf("%20s", card.Value)
	}
	if card.Comment != "" {
		body += " / " + card.Comment
	}
	if len(body) > cardLength-10 {
		body = body[:cardLength-10]
	}
	copy(record[10:], body)
	return record
}
