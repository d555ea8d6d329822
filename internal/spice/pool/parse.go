package pool

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	beginData = `\begindata`
	beginText = `\begintext`
)

// j2000 is the J2000 epoch used for @date values. Like the SPICE pool, @dates
// are converted to seconds past J2000 on a uniform calendar with no leap
// seconds.
var j2000 = time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)

type assignment struct {
	name     string
	append   bool
	isString bool
	strings  []string
	numbers  []float64
	line     int
}

type tokenKind int

const (
	tokName tokenKind = iota
	tokAssign
	tokAppend
	tokLParen
	tokRParen
	tokString
	tokNumber
)

type token struct {
	kind tokenKind
	text string
	num  float64
	line int
}

// parse reads the data sections of a text kernel.
func parse(r io.Reader) ([]assignment, error) {
	toks, err := tokenize(r)
	if err != nil {
		return nil, err
	}
	var out []assignment
	for i := 0; i < len(toks); {
		name := toks[i]
		if name.kind != tokName {
			return nil, fmt.Errorf("line %d: expected variable name, found %q", name.line, name.text)
		}
		i++
		if i >= len(toks) || (toks[i].kind != tokAssign && toks[i].kind != tokAppend) {
			return nil, fmt.Errorf("line %d: expected '=' or '+=' after %s", name.line, name.text)
		}
		a := assignment{name: name.text, append: toks[i].kind == tokAppend, line: name.line}
		i++
		if i >= len(toks) {
			return nil, fmt.Errorf("line %d: missing value for %s", name.line, name.text)
		}

		var values []token
		if toks[i].kind == tokLParen {
			i++
			for i < len(toks) && toks[i].kind != tokRParen {
				values = append(values, toks[i])
				i++
			}
			if i >= len(toks) {
				return nil, fmt.Errorf("line %d: unterminated value list for %s", name.line, name.text)
			}
			i++
		} else {
			values = append(values, toks[i])
			i++
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("line %d: empty value list for %s", name.line, name.text)
		}
		for j, v := range values {
			switch v.kind {
			case tokString:
				if j > 0 && !a.isString {
					return nil, fmt.Errorf("line %d: %s mixes numbers and strings", v.line, a.name)
				}
				a.isString = true
				a.strings = append(a.strings, v.text)
			case tokNumber:
				if a.isString {
					return nil, fmt.Errorf("line %d: %s mixes numbers and strings", v.line, a.name)
				}
				a.numbers = append(a.numbers, v.num)
			default:
				return nil, fmt.Errorf("line %d: unexpected %q in value of %s", v.line, v.text, a.name)
			}
		}
		out = append(out, a)
	}
	return out, nil
}

func tokenize(r io.Reader) ([]token, error) {
	var toks []token
	var lx lexer
	inData := false
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		switch strings.TrimSpace(line) {
		case beginData:
			inData = true
			continue
		case beginText:
			inData = false
			continue
		}
		if !inData {
			continue
		}
		lt, err := lx.tokenizeLine(line, lineNo)
		if err != nil {
			return nil, err
		}
		toks = append(toks, lt...)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return toks, nil
}

// lexer carries statement state across lines so value lists may span
// several lines. A word following '=' or '+=', or inside parentheses, is a
// value; any other word is a variable name.
type lexer struct {
	expectValue bool
	depth       int
}

func (lx *lexer) tokenizeLine(line string, lineNo int) ([]token, error) {
	var toks []token
	for i := 0; i < len(line); {
		c := line[i]
		switch {
		case c == ' ' || c == '\t' || c == ',':
			i++
		case c == '=':
			toks = append(toks, token{kind: tokAssign, text: "=", line: lineNo})
			lx.expectValue = true
			i++
		case c == '+' && i+1 < len(line) && line[i+1] == '=':
			toks = append(toks, token{kind: tokAppend, text: "+=", line: lineNo})
			lx.expectValue = true
			i += 2
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", line: lineNo})
			lx.depth++
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", line: lineNo})
			lx.depth--
			lx.expectValue = false
			i++
		case c == '\'':
			s, n, err := scanString(line[i:])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			toks = append(toks, token{kind: tokString, text: s, line: lineNo})
			i += n
			if lx.depth == 0 {
				lx.expectValue = false
			}
		default:
			j := i
			for j < len(line) && !strings.ContainsRune(" \t,=()'", rune(line[j])) &&
				!(line[j] == '+' && j+1 < len(line) && line[j+1] == '=' && !lx.expectValue) {
				j++
			}
			word := line[i:j]
			i = j
			if !lx.expectValue && lx.depth == 0 {
				toks = append(toks, token{kind: tokName, text: word, line: lineNo})
				continue
			}
			tok, err := valueToken(word, lineNo)
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
			if lx.depth == 0 {
				lx.expectValue = false
			}
		}
	}
	return toks, nil
}

func scanString(s string) (string, int, error) {
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		if s[i] != '\'' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 < len(s) && s[i+1] == '\'' {
			b.WriteByte('\'')
			i++
			continue
		}
		return b.String(), i + 1, nil
	}
	return "", 0, fmt.Errorf("unterminated string %s", s)
}

func valueToken(word string, lineNo int) (token, error) {
	if date, ok := strings.CutPrefix(word, "@"); ok {
		et, err := parseDate(date)
		if err != nil {
			return token{}, fmt.Errorf("line %d: %w", lineNo, err)
		}
		return token{kind: tokNumber, text: word, num: et, line: lineNo}, nil
	}
	f, err := parseNumber(word)
	if err != nil {
		return token{}, fmt.Errorf("line %d: invalid value %q", lineNo, word)
	}
	return token{kind: tokNumber, text: word, num: f, line: lineNo}, nil
}

func parseNumber(s string) (float64, error) {
	s = strings.NewReplacer("D", "E", "d", "e").Replace(s)
	return strconv.ParseFloat(s, 64)
}

// dateLayouts covers the calendar (numeric or month name) and day-of-year
// forms of @ dates, with the time of day after T, / or -. Month names match
// in any case.
var dateLayouts = func() []string {
	var out []string
	for _, date := range []string{"2006-01-02", "2006-Jan-02", "2006-Jan-2", "2006-002"} {
		for _, sep := range []string{"T", "/", "-"} {
			for _, clock := range []string{"15:04:05.999999999", "15:04:05", "15:04"} {
				out = append(out, date+sep+clock)
			}
		}
		out = append(out, date)
	}
	return out
}()

func parseDate(s string) (float64, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Sub(j2000).Seconds(), nil
		}
	}
	return 0, fmt.Errorf("unrecognised date @%s", s)
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) && f < 1e15 && f > -1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'E', -1, 64)
}
