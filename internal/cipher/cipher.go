package cipher

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrUnknownVersion = errors.New("unknown player version")
	ErrBadProgram     = errors.New("malformed transform program")
	ErrShapeMismatch  = errors.New("deciphered token has unexpected shape")
	ErrSynthesis      = errors.New("transform synthesis failed")
)

type OpKind int

const (
	// OpReverse reverses the character sequence.
	OpReverse OpKind = iota
	// OpSliceFrom discards the first N characters.
	OpSliceFrom
	// OpSwapWithIndex exchanges index 0 with index N mod current length.
	OpSwapWithIndex
)

type Op struct {
	Kind OpKind
	N    int
}

// Program is one player version's transform: an ordered opcode list plus the
// timestamp that must accompany requests made under that version.
type Program struct {
	VersionKey string
	Timestamp  int
	Ops        []Op
}

// ParseProgram reads the compact text form, e.g. "19834 r s2 w5": the leading
// integer is the timestamp, then r (reverse), sN (slice from N) and wN (swap
// with index N) in application order.
func ParseProgram(text string) (Program, error) {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return Program{}, fmt.Errorf("%w: %q", ErrBadProgram, text)
	}
	timestamp, err := strconv.Atoi(fields[0])
	if err != nil || timestamp < 0 {
		return Program{}, fmt.Errorf("%w: bad timestamp %q", ErrBadProgram, fields[0])
	}
	ops := make([]Op, 0, len(fields)-1)
	for _, tok := range fields[1:] {
		op, err := parseOp(tok)
		if err != nil {
			return Program{}, err
		}
		ops = append(ops, op)
	}
	return Program{Timestamp: timestamp, Ops: ops}, nil
}

func parseOp(tok string) (Op, error) {
	if tok == "r" {
		return Op{Kind: OpReverse}, nil
	}
	if len(tok) < 2 {
		return Op{}, fmt.Errorf("%w: opcode %q", ErrBadProgram, tok)
	}
	n, err := strconv.Atoi(tok[1:])
	if err != nil || n < 0 {
		return Op{}, fmt.Errorf("%w: opcode %q", ErrBadProgram, tok)
	}
	switch tok[0] {
	case 's':
		return Op{Kind: OpSliceFrom, N: n}, nil
	case 'w':
		return Op{Kind: OpSwapWithIndex, N: n}, nil
	}
	return Op{}, fmt.Errorf("%w: opcode %q", ErrBadProgram, tok)
}

// String renders the program back to its compact text form.
func (p Program) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d", p.Timestamp)
	for _, op := range p.Ops {
		switch op.Kind {
		case OpReverse:
			b.WriteString(" r")
		case OpSliceFrom:
			fmt.Fprintf(&b, " s%d", op.N)
		case OpSwapWithIndex:
			fmt.Fprintf(&b, " w%d", op.N)
		}
	}
	return b.String()
}

// Decipher applies the program's opcodes to token in order. It is total:
// any token, any program, no error path. The wrong program simply yields a
// same-length wrong answer, which is what ValidShape exists to catch.
func (p Program) Decipher(token string) string {
	if token == "" {
		return ""
	}
	chars := []byte(token)
	for _, op := range p.Ops {
		switch op.Kind {
		case OpReverse:
			for i, j := 0, len(chars)-1; i < j; i, j = i+1, j-1 {
				chars[i], chars[j] = chars[j], chars[i]
			}
		case OpSliceFrom:
			if op.N >= len(chars) {
				chars = chars[:0]
			} else {
				chars = chars[op.N:]
			}
		case OpSwapWithIndex:
			if len(chars) == 0 {
				continue
			}
			n := op.N % len(chars)
			chars[0], chars[n] = chars[n], chars[0]
		}
	}
	return string(chars)
}

var shapeRe = regexp.MustCompile(`^[0-9A-Fa-f]{16,}\.[0-9A-Fa-f]{16,}$`)

// ValidShape reports whether a deciphered token looks right: two long
// hex-like groups separated by a dot. A mismatch is a diagnostic, not proof
// of failure; the heuristic errs on the loose side.
func ValidShape(token string) bool {
	return shapeRe.MatchString(token)
}

// CheckShape wraps ValidShape with a descriptive error for callers that want
// to surface the diagnostic.
func CheckShape(token string) error {
	if ValidShape(token) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrShapeMismatch, token)
}
