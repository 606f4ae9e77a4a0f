package session

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qllmd/internal/engine"
	"qllmd/internal/engine/enginetest"
)

func newTestContext(t *testing.T, limit uint32, script ...string) (*Context, *enginetest.Context) {
	t.Helper()
	be := enginetest.New(script...)
	m, err := be.Load(context.Background(), "/m/test.gguf", engine.ModelParams{ContextLength: limit})
	require.NoError(t, err)
	ec, err := m.NewContext(engine.ContextParams{ContextLength: limit})
	require.NoError(t, err)
	return New(ec, limit), ec.(*enginetest.Context)
}

// prompt returns n distinct-ish bytes so positions can be traced.
func prompt(n int, seed byte) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte('a' + (seed+byte(i))%26)
	}
	return b.String()
}

func TestPrimeAdvancesCursor(t *testing.T) {
	c, ec := newTestContext(t, 64)
	assert.Equal(t, StateCreated, c.State())
	require.NoError(t, c.PrimeText("hello"))
	assert.Equal(t, uint32(5), c.Cursor())
	assert.Equal(t, StatePrimed, c.State())
	assert.True(t, ec.Contiguous())

	require.NoError(t, c.Prime(nil))
	assert.Equal(t, uint32(5), c.Cursor())
}

func TestPrimeOverflowIsDecodeFailure(t *testing.T) {
	c, _ := newTestContext(t, 8)
	err := c.PrimeText("0123456789")
	require.Error(t, err)
	assert.True(t, IsDecodeFailure(err))
	assert.Zero(t, c.Cursor())
	assert.Equal(t, StateCreated, c.State())
}

func TestEndToEndTwoPlusTwo(t *testing.T) {
	c, _ := newTestContext(t, 64, "4", enginetest.EOG)
	require.NoError(t, c.PrimeText("2+2="))

	frag, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, "4", string(frag))
	assert.Equal(t, StateGenerating, c.State())

	frag, err = c.Next()
	assert.ErrorIs(t, err, ErrEndOfGeneration)
	assert.Nil(t, frag)
	assert.Equal(t, StateEnded, c.State())
	assert.Equal(t, uint32(5), c.Cursor())

	// Ended allows a new turn.
	require.NoError(t, c.PrimeText("3+3="))
	assert.Equal(t, StatePrimed, c.State())
}

func TestNextBeforePrime(t *testing.T) {
	c, _ := newTestContext(t, 8, "x")
	_, err := c.Next()
	assert.ErrorIs(t, err, ErrNotPrimed)
}

func TestNextWhenFull(t *testing.T) {
	c, _ := newTestContext(t, 4, "x", "y")
	require.NoError(t, c.PrimeText("abcd"))
	_, err := c.Next()
	assert.True(t, IsDecodeFailure(err))
}

func TestCompressWithoutAnchor(t *testing.T) {
	c, ec := newTestContext(t, 2048)
	text := prompt(1000, 0)
	require.NoError(t, c.PrimeText(text))
	require.Equal(t, uint32(1000), c.Cursor())

	removed, err := c.Compress(400)
	require.NoError(t, err)
	assert.Equal(t, uint32(600), removed)
	assert.LessOrEqual(t, c.Cursor(), uint32(400))
	assert.True(t, ec.Contiguous())
	assert.Len(t, ec.Positions(), 400)

	// The newest 400 tokens survive in order.
	for p := uint32(0); p < 400; p++ {
		tok, ok := ec.TokenAt(p)
		require.True(t, ok)
		require.Equal(t, engine.Token(text[600+p]), tok, "position %d", p)
	}
}

func TestCompressKeepsAnchor(t *testing.T) {
	c, ec := newTestContext(t, 2048)
	system := prompt(50, 3)
	require.NoError(t, c.AnchorStart())
	require.NoError(t, c.PrimeText(system))
	require.NoError(t, c.AnchorEnd())
	rest := prompt(950, 7)
	require.NoError(t, c.PrimeText(rest))
	require.Equal(t, uint32(1000), c.Cursor())

	removed, err := c.Compress(400)
	require.NoError(t, err)
	assert.Equal(t, uint32(600), removed)
	assert.Equal(t, uint32(400), c.Cursor())
	assert.True(t, ec.Contiguous())

	for p := uint32(0); p < 50; p++ {
		tok, _ := ec.TokenAt(p)
		require.Equal(t, engine.Token(system[p]), tok, "anchored position %d changed", p)
	}
	// The tail of the unanchored run follows the anchor.
	tok, _ := ec.TokenAt(50)
	assert.Equal(t, engine.Token(rest[600]), tok)
	tok, _ = ec.TokenAt(399)
	assert.Equal(t, engine.Token(rest[949]), tok)

	start, end, ok := c.Anchor()
	assert.True(t, ok)
	assert.Equal(t, uint32(0), start)
	assert.Equal(t, uint32(50), end)
}

func TestCompressLargeAnchorOnlyEvictsTail(t *testing.T) {
	c, _ := newTestContext(t, 1024)
	require.NoError(t, c.AnchorStart())
	require.NoError(t, c.PrimeText(prompt(500, 1)))
	require.NoError(t, c.AnchorEnd())
	require.NoError(t, c.PrimeText(prompt(100, 2)))

	removed, err := c.Compress(100)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), removed)
	assert.Equal(t, uint32(500), c.Cursor())

	removed, err = c.Compress(100)
	require.NoError(t, err)
	assert.Zero(t, removed, "only anchored positions remain")
}

func TestCompressBelowTargetIsNoop(t *testing.T) {
	c, _ := newTestContext(t, 64)
	require.NoError(t, c.PrimeText("abc"))
	removed, err := c.Compress(10)
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Equal(t, uint32(3), c.Cursor())
}

func TestCompressOpenAnchorStartMoves(t *testing.T) {
	c, _ := newTestContext(t, 64)
	require.NoError(t, c.PrimeText(prompt(20, 0)))
	require.NoError(t, c.AnchorStart())
	_, err := c.Compress(5)
	require.NoError(t, err)
	// The open start was at 20 and the cursor is now 5.
	require.NoError(t, c.PrimeText("xy"))
	require.NoError(t, c.AnchorEnd())
	start, end, ok := c.Anchor()
	assert.True(t, ok)
	assert.Equal(t, uint32(5), start)
	assert.Equal(t, uint32(7), end)
}

func TestReposition(t *testing.T) {
	c, ec := newTestContext(t, 128)
	text := prompt(30, 0)
	require.NoError(t, c.PrimeText(text[:10]))
	require.NoError(t, c.AnchorStart())
	require.NoError(t, c.PrimeText(text[10:20]))
	require.NoError(t, c.AnchorEnd())
	require.NoError(t, c.PrimeText(text[20:]))

	require.NoError(t, c.Reposition(5))
	assert.Equal(t, uint32(25), c.Cursor())
	assert.True(t, ec.Contiguous())
	tok, _ := ec.TokenAt(0)
	assert.Equal(t, engine.Token(text[5]), tok)
	start, end, ok := c.Anchor()
	assert.True(t, ok)
	assert.Equal(t, uint32(5), start)
	assert.Equal(t, uint32(15), end)

	// Cutting into the region clips it.
	require.NoError(t, c.Reposition(8))
	start, end, ok = c.Anchor()
	assert.True(t, ok)
	assert.Equal(t, uint32(0), start)
	assert.Equal(t, uint32(7), end)

	// Cutting past it clears it.
	require.NoError(t, c.Reposition(10))
	_, _, ok = c.Anchor()
	assert.False(t, ok)
	assert.Equal(t, uint32(7), c.Cursor())

	require.NoError(t, c.Reposition(100))
	assert.Zero(t, c.Cursor())
	assert.Empty(t, ec.Positions())
}

func TestAnchorOrder(t *testing.T) {
	c, _ := newTestContext(t, 8)
	assert.ErrorIs(t, c.AnchorEnd(), ErrAnchorOrder)
}

func TestResetAndClose(t *testing.T) {
	c, ec := newTestContext(t, 32, "z")
	require.NoError(t, c.AnchorStart())
	require.NoError(t, c.PrimeText("abc"))
	require.NoError(t, c.Reset())
	assert.Zero(t, c.Cursor())
	assert.Equal(t, StateCreated, c.State())
	assert.Empty(t, ec.Positions())
	_, _, ok := c.Anchor()
	assert.False(t, ok)

	v, err := c.Embed("abc")
	require.NoError(t, err)
	assert.NotEmpty(t, v)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, ec.Closed())
	assert.Equal(t, StateDestroyed, c.State())
	assert.ErrorIs(t, c.PrimeText("x"), ErrDestroyed)
	_, err = c.Next()
	assert.ErrorIs(t, err, ErrDestroyed)
	_, err = c.Compress(0)
	assert.ErrorIs(t, err, ErrDestroyed)
	_, err = c.Embed("x")
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestDecodeFailureKeepsSession(t *testing.T) {
	be := enginetest.New("a", "b", "c")
	be.DecodeErrAt = 4
	m, err := be.Load(context.Background(), "/m/x.gguf", engine.ModelParams{ContextLength: 16})
	require.NoError(t, err)
	ec, err := m.NewContext(engine.ContextParams{})
	require.NoError(t, err)
	c := New(ec, 16)

	require.NoError(t, c.PrimeText("xyz"))
	frag, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", string(frag))
	_, err = c.Next()
	assert.True(t, IsDecodeFailure(err))
	assert.Equal(t, uint32(4), c.Cursor())

	_, err = c.Compress(2)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), c.Cursor())
}
