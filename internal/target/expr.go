package target

import (
	"fmt"
	"strings"
	"unicode"
)

// Kind identifies a matcher engine.
type Kind string

const (
	KindGlob        Kind = "glob"
	KindList        Kind = "list"
	KindPCRE        Kind = "pcre"
	KindGrain       Kind = "grain"
	KindGrainPCRE   Kind = "grain_pcre"
	KindGrainExact  Kind = "grain_exact"
	KindPillar      Kind = "pillar"
	KindPillarPCRE  Kind = "pillar_pcre"
	KindPillarExact Kind = "pillar_exact"
	KindIPCIDR      Kind = "ipcidr"
	KindRange       Kind = "range"
	KindCompound    Kind = "compound"
	KindNodegroup   Kind = "nodegroup"
)

// DefaultDelimiter separates key-path segments in grain/pillar expressions.
const DefaultDelimiter = ":"

// engine letter → kind, per the compound token grammar.
var letterKinds = map[byte]Kind{
	'G': KindGrain,
	'P': KindGrainPCRE,
	'I': KindPillar,
	'J': KindPillarPCRE,
	'L': KindList,
	'N': KindNodegroup,
	'S': KindIPCIDR,
	'E': KindPCRE,
	'R': KindRange,
}

// Expression is a parsed target expression. Immutable once parsed.
type Expression struct {
	Kind      Kind
	Pattern   string
	Delimiter string
}

// ParseToken parses one compound-expression leaf token of the form
// ENGINE[DELIM]@pattern, where ENGINE is a single capital letter and DELIM is
// an optional run of punctuation overriding the default ":" key-path
// delimiter (e.g. "G#@os#model"). A token without a recognized engine prefix
// is a glob against minion identities — "user@host" style tokens stay globs.
// A single unknown capital letter before "@" is an error: compound
// correctness cannot be guaranteed with an unresolvable leaf.
func ParseToken(token string) (Expression, error) {
	at := strings.Index(token, "@")
	if at < 1 || !isEnginePrefix(token[:at]) {
		return Expression{Kind: KindGlob, Pattern: token, Delimiter: DefaultDelimiter}, nil
	}

	kind, ok := letterKinds[token[0]]
	if !ok {
		return Expression{}, fmt.Errorf("unknown matcher engine %q in token %q", string(token[0]), token)
	}

	delimiter := token[1:at]
	if delimiter == "" {
		delimiter = DefaultDelimiter
	}

	return Expression{
		Kind:      kind,
		Pattern:   token[at+1:],
		Delimiter: delimiter,
	}, nil
}

var kindNames = map[string]Kind{
	"":             KindGlob,
	"glob":         KindGlob,
	"list":         KindList,
	"pcre":         KindPCRE,
	"grain":        KindGrain,
	"grain_pcre":   KindGrainPCRE,
	"grain_exact":  KindGrainExact,
	"pillar":       KindPillar,
	"pillar_pcre":  KindPillarPCRE,
	"pillar_exact": KindPillarExact,
	"ipcidr":       KindIPCIDR,
	"range":        KindRange,
	"compound":     KindCompound,
	"nodegroup":    KindNodegroup,
}

// ParseKind resolves a target-type name as supplied over the API or CLI.
// The empty string means glob.
func ParseKind(raw string) (Kind, error) {
	kind, ok := kindNames[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", fmt.Errorf("unknown target type %q", raw)
	}
	return kind, nil
}

// isEnginePrefix reports whether the text before "@" is a capital engine
// letter optionally followed by punctuation-only delimiter characters.
func isEnginePrefix(prefix string) bool {
	if len(prefix) == 0 || prefix[0] < 'A' || prefix[0] > 'Z' {
		return false
	}
	for _, r := range prefix[1:] {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
