package pipeline

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrMalformed is returned for descriptions that cannot be tokenized or linked
	ErrMalformed = errors.New("malformed pipeline description")
	// ErrNoPayloader is returned when no element is named pay0
	ErrNoPayloader = errors.New("pipeline has no payloader named pay0")
	// ErrUnsupportedPayloader is returned for payN elements of an unknown factory
	ErrUnsupportedPayloader = errors.New("unsupported payloader")
)

// DefaultPayloadType is the payload type payloaders use when pt is not set
const DefaultPayloadType = 96

// JPEGPayloadType is the static payload type of RTP/JPEG, the only one
// clients accept for it
const JPEGPayloadType = 26

// configIntervalAll makes H.264/H.265 payloaders send the parameter sets
// with every key frame instead of only in caps
const configIntervalAll = "config-interval=-1"

var payloaderName = regexp.MustCompile(`^pay(\d+)$`)

// Encoding identifies the codec carried by a payload stream
type Encoding int

const (
	EncodingH264 Encoding = iota
	EncodingH265
	EncodingVP8
	EncodingMJPEG
)

// String returns the RTP encoding name
func (e Encoding) String() string {
	switch e {
	case EncodingH264:
		return "H264"
	case EncodingH265:
		return "H265"
	case EncodingVP8:
		return "VP8"
	case EncodingMJPEG:
		return "JPEG"
	default:
		return "Unknown"
	}
}

var payloaderEncodings = map[string]Encoding{
	"rtph264pay": EncodingH264,
	"rtph265pay": EncodingH265,
	"rtpvp8pay":  EncodingVP8,
	"rtpjpegpay": EncodingMJPEG,
}

// Property is one name=value element property
type Property struct {
	Key   string
	Value string
}

// Element is one stage of the description: a factory with properties,
// a caps filter, or a reference to a named element (name.)
type Element struct {
	Factory    string
	Name       string
	Caps       string
	Ref        string
	Properties []Property

	pos int // token index of the factory
}

// Property returns the value of the named property
func (e *Element) Property(key string) (string, bool) {
	for _, p := range e.Properties {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Payload is an RTP stream produced by a payN payloader
type Payload struct {
	Index       int
	Name        string
	Factory     string
	PayloadType uint8
	Encoding    Encoding

	// InBandConfig is set when the launch args add config-interval=-1
	InBandConfig bool

	pos int
}

// Description is a parsed media-factory launch description: a single
// parenthesized bin whose payN elements produce the RTP streams.
type Description struct {
	raw      string
	tokens   []string
	Elements []Element
	Payloads []Payload
}

// Parse tokenizes and validates a launch description
func Parse(launch string) (*Description, error) {
	tokens, err := tokenize(launch)
	if err != nil {
		return nil, err
	}

	if len(tokens) < 2 || tokens[0] != "(" || tokens[len(tokens)-1] != ")" {
		return nil, errors.Wrap(ErrMalformed, "description must be enclosed in parentheses")
	}

	inner := tokens[1 : len(tokens)-1]
	if len(inner) == 0 {
		return nil, errors.Wrap(ErrMalformed, "empty bin")
	}

	elements, err := parseElements(inner)
	if err != nil {
		return nil, err
	}

	payloads, err := findPayloads(elements)
	if err != nil {
		return nil, err
	}

	return &Description{
		raw:      launch,
		tokens:   inner,
		Elements: elements,
		Payloads: payloads,
	}, nil
}

// String returns the description exactly as it was given
func (d *Description) String() string {
	return d.raw
}

// LaunchArgs returns the launcher argument vector: the bin contents followed
// by one udpsink per payload, sending payload i to host:ports[i]. H.264 and
// H.265 payloaders without a config-interval get config-interval=-1 so the
// stream carries the parameter sets the description needs.
func (d *Description) LaunchArgs(host string, ports []int) ([]string, error) {
	if len(ports) != len(d.Payloads) {
		return nil, errors.Errorf("expected %d sink ports, got %d", len(d.Payloads), len(ports))
	}

	inBand := make(map[int]bool)
	for _, p := range d.Payloads {
		if p.InBandConfig {
			inBand[p.pos] = true
		}
	}

	args := make([]string, 0, len(d.tokens)+len(d.Payloads)*6)
	for i, tok := range d.tokens {
		args = append(args, unquoteValue(tok))
		if inBand[i] {
			args = append(args, configIntervalAll)
		}
	}

	for i, p := range d.Payloads {
		args = append(args,
			p.Name+".",
			"!",
			"udpsink",
			"host="+host,
			"port="+strconv.Itoa(ports[i]),
		)
	}

	return args, nil
}

func parseElements(tokens []string) ([]Element, error) {
	var elements []Element
	var current *Element
	expectElement := true

	flush := func() {
		if current != nil {
			elements = append(elements, *current)
			current = nil
		}
	}

	for i, tok := range tokens {
		switch {
		case tok == "(" || tok == ")":
			return nil, errors.Wrap(ErrMalformed, "nested bins are not supported")

		case tok == "!":
			if expectElement {
				return nil, errors.Wrap(ErrMalformed, "link without source element")
			}
			flush()
			expectElement = true

		case isProperty(tok) && !isCaps(tok) && current != nil && current.Caps == "" && current.Ref == "":
			key, value, _ := strings.Cut(tok, "=")
			value = unquote(value)
			if key == "name" {
				current.Name = value
			}
			current.Properties = append(current.Properties, Property{Key: key, Value: value})

		default:
			if isProperty(tok) && !isCaps(tok) {
				return nil, errors.Wrapf(ErrMalformed, "property %q without element", tok)
			}
			flush()
			current = newElement(tok)
			current.pos = i
			expectElement = false
		}
	}

	if expectElement {
		return nil, errors.Wrap(ErrMalformed, "link without sink element")
	}
	flush()

	return elements, nil
}

func newElement(tok string) *Element {
	switch {
	case isCaps(tok):
		return &Element{Caps: unquote(tok)}
	case strings.HasSuffix(tok, "."):
		return &Element{Ref: strings.TrimSuffix(tok, ".")}
	default:
		return &Element{Factory: tok}
	}
}

func findPayloads(elements []Element) ([]Payload, error) {
	byIndex := make(map[int]Payload)

	for _, el := range elements {
		m := payloaderName.FindStringSubmatch(el.Name)
		if m == nil {
			continue
		}

		idx, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, errors.Wrapf(ErrMalformed, "payloader name %q", el.Name)
		}

		if _, dup := byIndex[idx]; dup {
			return nil, errors.Wrapf(ErrMalformed, "duplicate payloader %s", el.Name)
		}

		enc, ok := payloaderEncodings[el.Factory]
		if !ok {
			return nil, errors.Wrapf(ErrUnsupportedPayloader, "%s (%s)", el.Factory, el.Name)
		}

		pt := DefaultPayloadType
		if enc == EncodingMJPEG {
			pt = JPEGPayloadType
		}
		if v, ok := el.Property("pt"); ok {
			pt, err = strconv.Atoi(v)
			if err != nil || pt < 0 || pt > 127 {
				return nil, errors.Wrapf(ErrMalformed, "%s: invalid payload type %q", el.Name, v)
			}
		}
		if enc == EncodingMJPEG && pt != JPEGPayloadType {
			return nil, errors.Wrapf(ErrMalformed, "%s: JPEG payload type must be %d, got %d", el.Name, JPEGPayloadType, pt)
		}

		_, hasInterval := el.Property("config-interval")

		byIndex[idx] = Payload{
			Index:        idx,
			Name:         el.Name,
			Factory:      el.Factory,
			PayloadType:  uint8(pt),
			Encoding:     enc,
			InBandConfig: (enc == EncodingH264 || enc == EncodingH265) && !hasInterval,
			pos:          el.pos,
		}
	}

	if _, ok := byIndex[0]; !ok {
		return nil, ErrNoPayloader
	}

	payloads := make([]Payload, len(byIndex))
	for i := range payloads {
		p, ok := byIndex[i]
		if !ok {
			return nil, errors.Wrapf(ErrMalformed, "payloader pay%d missing", i)
		}
		payloads[i] = p
	}

	return payloads, nil
}

// tokenize splits on whitespace, keeping quoted runs intact and treating
// '!', '(' and ')' outside quotes as tokens of their own.
func tokenize(s string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inQuote := false
	escaped := false

	emit := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			cur.WriteRune(r)
			escaped = true
		case r == '"':
			cur.WriteRune(r)
			inQuote = !inQuote
		case inQuote:
			cur.WriteRune(r)
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			emit()
		case r == '!' || r == '(' || r == ')':
			emit()
			tokens = append(tokens, string(r))
		default:
			cur.WriteRune(r)
		}
	}

	if inQuote {
		return nil, errors.Wrap(ErrMalformed, "unterminated quote")
	}
	emit()

	return tokens, nil
}

func isProperty(tok string) bool {
	i := strings.IndexByte(tok, '=')
	return i > 0
}

// isCaps reports whether tok is a caps string such as video/x-raw,width=640
func isCaps(tok string) bool {
	slash := strings.IndexByte(tok, '/')
	if slash <= 0 {
		return false
	}
	eq := strings.IndexByte(tok, '=')
	return eq < 0 || slash < eq
}

func unquote(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}

// unquoteValue strips quotes around a property value; the launcher escapes
// whitespace inside a single argument itself.
func unquoteValue(tok string) string {
	key, value, ok := strings.Cut(tok, "=")
	if !ok || isCaps(tok) {
		return unquote(tok)
	}
	return key + "=" + unquote(value)
}
