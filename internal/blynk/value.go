package blynk

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"unicode"
)

// Value is a decoded pin value: either an integer or a string. Non-integer
// numbers and booleans found inside an array keep their text but also
// carry a numeric value (true is 1, false is 0).
type Value struct {
	text  string
	num   int64
	isInt bool

	f     float64
	isNum bool
}

func IntValue(n int64) Value {
	return Value{text: strconv.FormatInt(n, 10), num: n, isInt: true, f: float64(n), isNum: true}
}

func numberValue(text string, f float64) Value {
	return Value{text: text, f: f, isNum: true}
}

func StringValue(s string) Value {
	return Value{text: s}
}

func (v Value) Int() (int64, bool) { return v.num, v.isInt }

func (v Value) IsInt() bool { return v.isInt }

// Number returns the numeric value for integers, floats and booleans.
func (v Value) Number() (float64, bool) { return v.f, v.isNum }

func (v Value) String() string { return v.text }

// Decode turns a raw response body into a Value. The service answers with a
// bare scalar for some pins and a one element JSON array for others, so
// decoding never fails: anything that is not recognised comes back as the
// trimmed text.
func Decode(raw string) Value {
	text := strings.TrimSpace(raw)

	if isDigits(text) {
		if n, err := strconv.ParseInt(text, 10, 64); err == nil {
			return IntValue(n)
		}
	}
	if isLetters(text) {
		return StringValue(text)
	}
	if v, ok := firstArrayElement(text); ok {
		return v
	}
	return StringValue(text)
}

func firstArrayElement(text string) (Value, bool) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(text), &items); err != nil || len(items) == 0 {
		return Value{}, false
	}
	first := bytes.TrimSpace(items[0])

	dec := json.NewDecoder(bytes.NewReader(first))
	dec.UseNumber()
	var elem any
	if err := dec.Decode(&elem); err != nil {
		return Value{}, false
	}
	switch e := elem.(type) {
	case string:
		return StringValue(e), true
	case json.Number:
		if n, err := e.Int64(); err == nil {
			return IntValue(n), true
		}
		if f, err := e.Float64(); err == nil {
			return numberValue(e.String(), f), true
		}
		return StringValue(e.String()), true
	case bool:
		if e {
			return numberValue("true", 1), true
		}
		return numberValue("false", 0), true
	default:
		return StringValue(string(first)), true
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isLetters(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
