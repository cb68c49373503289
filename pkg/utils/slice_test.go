package utils_test

import (
	"strings"
	"testing"

	"github.com/geoforge/tilerd/pkg/cmp"
	"github.com/geoforge/tilerd/pkg/utils"
)

func TestSliceUtils(t *testing.T) {
	t.Run("Map maps slice to another", func(t *testing.T) {
		input := []int{3, 5, 7, 11}
		called := 0
		mapper := func(v int) int {
			called += 1
			return v * 2
		}
		output := utils.Map(input, mapper)

		if called != len(input) {
			t.Errorf("mapper has not been called enough. (actual, expected) = (%d, %d)", called, len(input))
		}

		expected := []int{6, 10, 14, 22}
		if !cmp.SliceEq(output, expected) {
			t.Errorf("mapped result is wrong. (actual, expected) = (%v, %v)", output, expected)
		}
	})

	t.Run("Filter keeps matching values in order", func(t *testing.T) {
		input := []string{"tile", "cache", "token", "queue", "tree"}
		output := utils.Filter(input, func(s string) bool { return strings.HasPrefix(s, "t") })

		expected := []string{"tile", "token", "tree"}
		if !cmp.SliceEq(output, expected) {
			t.Errorf("filtered result is wrong. (actual, expected) = (%v, %v)", output, expected)
		}
	})

	t.Run("Filter returns empty slice when nothing matches", func(t *testing.T) {
		input := []int{1, 2, 3}
		output := utils.Filter(input, func(int) bool { return false })

		if output == nil || len(output) != 0 {
			t.Errorf("filtered result is wrong. (actual, expected) = (%v, [])", output)
		}
	})

	t.Run("First finds the first element which predicator matches", func(t *testing.T) {
		haystack := []string{"our", "needle", "is", "nice"}
		ret, ok := utils.First(haystack, func(s string) bool { return s[0] == 'n' })
		if !ok {
			t.Error("First could not find target.")
		}
		if ret != "needle" {
			t.Errorf("First finds wrong word. (actual, expected) = (%s, %s)", ret, "needle")
		}
	})

	t.Run("First returns (zerovalue, false) if predicator does never match.", func(t *testing.T) {
		haystack := []string{"this", "haystack", "is", "pure", "and", "dust-free!"}
		ret, ok := utils.First(haystack, func(s string) bool { return s[0] == 'n' })
		if ok {
			t.Errorf("First finds wrong target. %v", ret)
		}
		if ret != "" {
			t.Errorf("First returns non-zero value.: %s", ret)
		}
	})

	t.Run("ToMap converts slice to map", func(t *testing.T) {
		type T struct {
			key   string
			value int
		}
		values := []T{
			{key: "a", value: 3},
			{key: "b", value: 99},
			{key: "c", value: 100},
			{key: "d", value: 2},
		}

		result := utils.ToMap(values, func(v T) string { return v.key })

		expected := map[string]T{
			"a": {key: "a", value: 3},
			"b": {key: "b", value: 99},
			"c": {key: "c", value: 100},
			"d": {key: "d", value: 2},
		}

		if !cmp.MapEq(result, expected) {
			t.Errorf(
				"ToMap generates wrong map. (actual, expected) = (%v, %v)",
				result, expected,
			)
		}
	})

	t.Run("ToMap lets the later value win when keys collide", func(t *testing.T) {
		type T struct {
			key   string
			value int
		}
		values := []T{
			{key: "a", value: 1},
			{key: "a", value: 2},
		}

		result := utils.ToMap(values, func(v T) string { return v.key })

		if len(result) != 1 || result["a"].value != 2 {
			t.Errorf("ToMap generates wrong map: %v", result)
		}
	})

	t.Run("KeysOf and ValuesOf makes slice from values of map", func(t *testing.T) {
		input := map[int]string{
			1: "foo",
			2: "bar",
			3: "baz",
		}
		{
			actual := utils.ValuesOf(input)
			expected := []string{"foo", "bar", "baz"}

			if !cmp.SliceContentEq(actual, expected) {
				t.Errorf(
					"slice elements are wrong:\nactual   = %+v\nexpected = %+v",
					actual, expected,
				)
			}
		}
		{
			actual := utils.KeysOf(input)
			expected := []int{1, 2, 3}
			if !cmp.SliceContentEq(actual, expected) {
				t.Errorf(
					"slice elements are wrong:\nactual   = %+v\nexpected = %+v",
					actual, expected,
				)
			}
		}
	})
}

func TestSorted(t *testing.T) {
	type Elem struct {
		foo int
		bar int
	}

	sortByFoo := func(a, b Elem) bool {
		return a.foo < b.foo
	}

	sortByBar := func(a, b Elem) bool {
		return a.bar < b.bar
	}

	t.Run("when empty slice is given, it returns empty", func(t *testing.T) {
		input := []Elem{}
		result := utils.Sorted(input, sortByFoo)
		if len(result) != 0 {
			t.Errorf("result has length %d != 0", len(result))
		}
	})

	t.Run("when non-empty slice with non-unique elements is given, it returns a new sorted slice", func(t *testing.T) {
		input := []Elem{
			{foo: 5, bar: 1},
			{foo: 3, bar: 2},
			{foo: 5, bar: 3},
			{foo: 3, bar: 4},
			{foo: 2, bar: 5},
			{foo: 6, bar: 6},
		}

		result := utils.Sorted(input, sortByFoo)

		expectedFoos := []int{2, 3, 3, 5, 5, 6}
		actualFoos := utils.Map(result, func(el Elem) int { return el.foo })

		if !cmp.SliceEq(actualFoos, expectedFoos) {
			t.Errorf("it is not sorted by foo: %#v", result)
		}

		inputFoos := utils.Map(input, func(el Elem) int { return el.foo })
		if !cmp.SliceEq(inputFoos, []int{5, 3, 5, 3, 2, 6}) {
			t.Error("it works destructive")
		}
	})

	t.Run("when non-empty slice with unique elements is given, it returns a new sorted slice", func(t *testing.T) {
		input := []Elem{
			{foo: 2, bar: 5},
			{foo: 3, bar: 4},
			{foo: 3, bar: 2},
			{foo: 5, bar: 3},
			{foo: 5, bar: 1},
			{foo: 6, bar: 6},
		}

		result := utils.Sorted(input, sortByBar)

		expectedBars := []int{1, 2, 3, 4, 5, 6}
		actualBars := utils.Map(result, func(el Elem) int { return el.bar })

		if !cmp.SliceEq(actualBars, expectedBars) {
			t.Errorf("it is not sorted by bar: %#v", result)
		}
	})
}
