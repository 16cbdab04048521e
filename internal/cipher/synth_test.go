package cipher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const playerFixture = `(function(){var Xr={f0:function(a){a.reverse()},` +
	`f1:function(a,b){a.splice(0,b)},` +
	`f2:function(a,b){var c=a[0];a[0]=a[b%a.length];a[b%a.length]=c}};` +
	`var decodeSig=function(a){a=a.split("");Xr.f2(a,5);Xr.f0(a,37);Xr.f1(a,2);Xr.f2(a,1);return a.join("")};` +
	`var cfg={signatureTimestamp:20472,experiments:[]};})();`

func TestSynthesizeRecoversProgram(t *testing.T) {
	program, err := Synthesize("deadbeef", playerFixture)
	require.NoError(t, err)
	require.Equal(t, "deadbeef", program.VersionKey)
	require.Equal(t, 20472, program.Timestamp)
	require.Equal(t, []Op{
		{Kind: OpSwapWithIndex, N: 5},
		{Kind: OpReverse, N: 37},
		{Kind: OpSliceFrom, N: 2},
		{Kind: OpSwapWithIndex, N: 1},
	}, program.Ops)

	// The synthesized program must behave like its hand-written equivalent.
	want := mustParse(t, "20472 w5 r s2 w1")
	token := "abcdefghijklmnopqrstuvwxyz0123456789"
	require.Equal(t, want.Decipher(token), program.Decipher(token))
}

func TestSynthesizeBracketCalls(t *testing.T) {
	script := `var $z={rv:function(a){a.reverse()},sp:function(a,b){a.splice(0,b)}};` +
		`var f=function(a){a=a.split("");$z["sp"](a,3);$z["rv"](a,11);return a.join("")};sts=19990;`
	program, err := Synthesize("cafe0001", script)
	require.NoError(t, err)
	require.Equal(t, 19990, program.Timestamp)
	require.Equal(t, []Op{
		{Kind: OpSliceFrom, N: 3},
		{Kind: OpReverse, N: 11},
	}, program.Ops)
}

func TestSynthesizeMissingRoutine(t *testing.T) {
	_, err := Synthesize("cafe0002", `var unrelated=function(b){return b+1};`)
	require.ErrorIs(t, err, ErrSynthesis)
}

func TestSynthesizeUnclassifiedHelper(t *testing.T) {
	script := `var Qq={mx:function(a,b){a.push(b)}};` +
		`var f=function(a){a=a.split("");Qq.mx(a,3);return a.join("")};`
	_, err := Synthesize("cafe0003", script)
	require.ErrorIs(t, err, ErrSynthesis)
}

func TestSynthesizeMissingTimestampDefaultsToZero(t *testing.T) {
	script := `var Xr={f0:function(a){a.reverse()}};` +
		`var f=function(a){a=a.split("");Xr.f0(a,1);return a.join("")};`
	program, err := Synthesize("cafe0004", script)
	require.NoError(t, err)
	require.Zero(t, program.Timestamp)
	require.Equal(t, []Op{{Kind: OpReverse, N: 1}}, program.Ops)
}
