package cipher

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/rs/zerolog/log"
)

// Patterns for digging the transform routine out of a minified player
// script: the routine splits its argument, applies helper-object calls, and
// rejoins. Player builds change shape over time, so all of this is best
// effort — a miss is an error for the caller, never a panic.
var (
	timestampRe = regexp.MustCompile(`(?:signatureTimestamp|sts)["']?\s*[:=]\s*(\d+)`)
	routineRe   = regexp.MustCompile(`(?s)function\s*\(\s*a\s*\)\s*\{\s*a\s*=\s*a\.split\(\s*["']["']\s*\)\s*;(.*?)return\s+a\.join\(\s*["']["']\s*\)`)
	helperRe    = regexp.MustCompile(`([A-Za-z0-9$_]+)(?:\.([A-Za-z0-9$_]+)|\[["']([A-Za-z0-9$_]+)["']\])\(\s*a\s*,\s*(\d+)\s*\)`)
	memberRe    = regexp.MustCompile(`([A-Za-z0-9$_]+)\s*:\s*function\s*\(\s*a\s*(?:,\s*b\s*)?\)\s*\{([^}]*)\}`)

	reverseBodyRe = regexp.MustCompile(`\breverse\s*\(`)
	spliceBodyRe  = regexp.MustCompile(`\bsplice\s*\(`)
	swapBodyRe    = regexp.MustCompile(`a\[0\]`)
)

// Synthesize recovers a transform program for an unknown player version by
// pattern-matching the minified script. Used only on table miss by callers
// that opt in; the result should be checked against ValidShape output before
// being trusted.
func Synthesize(versionKey, script string) (Program, error) {
	routine := routineRe.FindStringSubmatch(script)
	if routine == nil {
		return Program{}, fmt.Errorf("%w: transform routine not found", ErrSynthesis)
	}
	calls := helperRe.FindAllStringSubmatch(routine[1], -1)
	if len(calls) == 0 {
		return Program{}, fmt.Errorf("%w: no helper calls in transform routine", ErrSynthesis)
	}
	objectName := calls[0][1]
	kinds, err := classifyHelpers(script, objectName)
	if err != nil {
		return Program{}, err
	}
	ops := make([]Op, 0, len(calls))
	for _, call := range calls {
		if call[1] != objectName {
			return Program{}, fmt.Errorf("%w: transform calls through multiple objects", ErrSynthesis)
		}
		name := call[2]
		if name == "" {
			name = call[3]
		}
		kind, ok := kinds[name]
		if !ok {
			return Program{}, fmt.Errorf("%w: unclassified helper %q", ErrSynthesis, name)
		}
		n, err := strconv.Atoi(call[4])
		if err != nil || n < 0 {
			return Program{}, fmt.Errorf("%w: bad argument in %q", ErrSynthesis, call[0])
		}
		ops = append(ops, Op{Kind: kind, N: n})
	}
	timestamp := 0
	if m := timestampRe.FindStringSubmatch(script); m != nil {
		timestamp, _ = strconv.Atoi(m[1])
	}
	log.Debug().Str("op", "cipher/synthesize").Msgf("Recovered %d ops (timestamp %d) for version %s", len(ops), timestamp, versionKey)
	return Program{VersionKey: versionKey, Timestamp: timestamp, Ops: ops}, nil
}

func classifyHelpers(script, objectName string) (map[string]OpKind, error) {
	objectRe, err := regexp.Compile(`(?s)var\s+` + regexp.QuoteMeta(objectName) + `\s*=\s*\{(.*?)\}\s*;`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	object := objectRe.FindStringSubmatch(script)
	if object == nil {
		return nil, fmt.Errorf("%w: helper object %q not found", ErrSynthesis, objectName)
	}
	kinds := make(map[string]OpKind)
	for _, member := range memberRe.FindAllStringSubmatch(object[1], -1) {
		name, body := member[1], member[2]
		switch {
		case reverseBodyRe.MatchString(body):
			kinds[name] = OpReverse
		case spliceBodyRe.MatchString(body):
			kinds[name] = OpSliceFrom
		case swapBodyRe.MatchString(body):
			kinds[name] = OpSwapWithIndex
		}
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("%w: no recognizable helpers in %q", ErrSynthesis, objectName)
	}
	return kinds, nil
}
