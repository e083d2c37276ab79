package kparam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func testParams(t *testing.T) (params []*Param, testInt *int32, testBool *bool, testStr *string) {
	t.Helper()

	testInt = new(int32)
	testBool = new(bool)
	testStr = new(string)

	params = []*Param{
		{Name: "test_int", Ops: OpsInt, Arg: testInt},
		{Name: "test_bool", Ops: OpsBool, Arg: testBool},
		{Name: "test_str", Ops: OpsString, Arg: testStr},
	}

	return params, testInt, testBool, testStr
}

func args(s string) []byte {
	return append([]byte(s), 0)
}

func TestNextArg(t *testing.T) {
	buf := args(`param1=val1 param2="val 2" param3=val3`)

	param, val, rest := NextArg(buf)
	assert.Equal(t, "param1", string(param))
	assert.Equal(t, "val1", string(val))

	param, val, rest = NextArg(rest)
	assert.Equal(t, "param2", string(param))
	assert.Equal(t, "val 2", string(val))

	param, val, rest = NextArg(rest)
	assert.Equal(t, "param3", string(param))
	assert.Equal(t, "val3", string(val))
	assert.Equal(t, byte(0), rest[0])
}

func TestNextArgNoValue(t *testing.T) {
	buf := args(`param1 param2="val 2"`)

	param, val, rest := NextArg(buf)
	assert.Equal(t, "param1", string(param))
	assert.Nil(t, val)

	param, val, _ = NextArg(rest)
	assert.Equal(t, "param2", string(param))
	assert.Equal(t, "val 2", string(val))
}

func TestNextArgQuotedToken(t *testing.T) {
	buf := args(`"quoted token" next`)

	param, val, rest := NextArg(buf)
	assert.Equal(t, "quoted token", string(param))
	assert.Nil(t, val)

	param, _, _ = NextArg(rest)
	assert.Equal(t, "next", string(param))
}

func TestParseArgsScenario(t *testing.T) {
	params, testInt, testBool, testStr := testParams(t)

	leftover, err := ParseArgs("test", args(`  test-int=0xFF  test_bool  test_str="hello world"  `), params, -100, 100)
	require.NoError(t, err)
	assert.Empty(t, leftover)

	assert.Equal(t, int32(255), *testInt)
	assert.True(t, *testBool)
	assert.Equal(t, "hello world", *testStr)
}

func TestParseArgsWhitespaceIdempotence(t *testing.T) {
	run := func(s string) (int32, bool) {
		params, testInt, testBool, _ := testParams(t)
		_, err := ParseArgs("test", args(s), params, -100, 100)
		require.NoError(t, err)
		return *testInt, *testBool
	}

	i1, b1 := run(" test_int=1  test_bool=0 ")
	i2, b2 := run("test_int=1 test_bool=0")

	assert.Equal(t, i1, i2)
	assert.Equal(t, b1, b2)
}

func TestParseArgsDoubleDash(t *testing.T) {
	params, testInt, testBool, _ := testParams(t)

	leftover, err := ParseArgs("test", args("test_int=10 -- test_bool=y"), params, -100, 100)
	require.NoError(t, err)

	assert.Equal(t, int32(10), *testInt)
	assert.False(t, *testBool, "parameters after -- must not be touched")
	assert.Equal(t, "test_bool=y", string(leftover))
}

func TestParseArgsUnknownParam(t *testing.T) {
	params, _, _, _ := testParams(t)

	_, err := ParseArgs("test", args("nope=1"), params, -100, 100)
	require.ErrorIs(t, err, unix.ENOENT)
}

func TestParseArgsMissingRequiredValue(t *testing.T) {
	params, _, _, _ := testParams(t)

	_, err := ParseArgs("test", args("test_int"), params, -100, 100)
	require.ErrorIs(t, err, unix.EINVAL)
}

func TestParseArgsInvalidValue(t *testing.T) {
	params, _, _, _ := testParams(t)

	_, err := ParseArgs("test", args("test_int=not_a_number"), params, -100, 100)
	require.ErrorIs(t, err, unix.EINVAL)
}

func TestParseArgsHyphenUnderscoreEquivalence(t *testing.T) {
	params, testInt, _, _ := testParams(t)

	_, err := ParseArgs("test", args("test-int=999"), params, -100, 100)
	require.NoError(t, err)
	assert.Equal(t, int32(999), *testInt)

	assert.True(t, parameq("a-b_c", "a_b-c"))
	assert.False(t, parameq("ab", "a_b"))
	assert.False(t, parameq("test", "test_int"))
}

func TestParseArgsLevelWindow(t *testing.T) {
	testInt := new(int32)
	params := []*Param{{Name: "leveled", Level: 5, Ops: OpsInt, Arg: testInt}}

	// Outside the window the parameter is skipped silently, value and all.
	_, err := ParseArgs("test", args("leveled=7"), params, 0, 4)
	require.NoError(t, err)
	assert.Zero(t, *testInt)

	_, err = ParseArgs("test", args("leveled=7"), params, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, int32(7), *testInt)
}

func TestParseArgsEmpty(t *testing.T) {
	params, _, _, _ := testParams(t)

	leftover, err := ParseArgs("test", args("   "), params, -100, 100)
	require.NoError(t, err)
	assert.Empty(t, leftover)

	leftover, err = ParseArgs("test", []byte{}, params, -100, 100)
	require.NoError(t, err)
	assert.Empty(t, leftover)
}
