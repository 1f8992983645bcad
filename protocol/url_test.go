package protocol

import (
	"fmt"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestAddQueryParam(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"no query", "http://server", "http://server?foo=test"},
		{"bare question mark", "http://server?", "http://server?foo=test"},
		{"existing query", "http://server?x=y", "http://server?x=y&foo=test"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := AddQueryParam(tc.in, "foo", "test"); got != tc.want {
				t.Fatalf("AddQueryParam(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestAddQueryParamEncodes(t *testing.T) {
	got := AddQueryParam("http://server", "#", "#")
	if got != "http://server?%23=%23" {
		t.Fatalf("unexpected encoding: %q", got)
	}
	got = AddQueryParam("http://server", "a b", "c d")
	if got != "http://server?a%20b=c%20d" {
		t.Fatalf("spaces should encode as %%20: %q", got)
	}
}

func TestParseURLFragment(t *testing.T) {
	got := ParseURLFragment("http://server#a=apple&b=banana&c=carrot", "#")
	if len(got) != 3 || got["a"] != "apple" || got["b"] != "banana" || got["c"] != "carrot" {
		t.Fatalf("unexpected params: %v", got)
	}
}

func TestParseURLFragmentWithoutDelimiter(t *testing.T) {
	got := ParseURLFragment("a=apple&b=banana", "")
	if got["a"] != "apple" || got["b"] != "banana" {
		t.Fatalf("unexpected params: %v", got)
	}
}

func TestParseURLFragmentQueryIgnoresFragment(t *testing.T) {
	got := ParseURLFragment("http://server?test=test#a=apple", "?")
	if len(got) != 1 || got["test"] != "test" {
		t.Fatalf("unexpected params: %v", got)
	}

	got = ParseURLFragment("http://server?test=test#a=apple", "#")
	if len(got) != 1 || got["a"] != "apple" {
		t.Fatalf("unexpected fragment params: %v", got)
	}
}

func TestParseURLFragmentDecodes(t *testing.T) {
	got := ParseURLFragment("#a=%20a%20&b=b+c&empty=", "#")
	if got["a"] != " a " {
		t.Fatalf("percent decoding failed: %q", got["a"])
	}
	if got["b"] != "b c" {
		t.Fatalf("plus decoding failed: %q", got["b"])
	}
	if v, ok := got["empty"]; !ok || v != "" {
		t.Fatalf("empty value should be kept: %v", got)
	}
}

func TestParseURLFragmentLimit(t *testing.T) {
	build := func(n int) string {
		pairs := make([]string, n)
		for i := range pairs {
			pairs[i] = fmt.Sprintf("p%d=%d", i, i)
		}
		return "#" + strings.Join(pairs, "&")
	}

	got := ParseURLFragment(build(MaxResponseParams), "#")
	if len(got) != MaxResponseParams {
		t.Fatalf("expected %d params, got %d", MaxResponseParams, len(got))
	}

	got = ParseURLFragment(build(MaxResponseParams+1), "#")
	if len(got) != 1 || got["error"] == "" {
		t.Fatalf("expected limit error, got %v", got)
	}
}

func TestParamsYAMLKeepsOrder(t *testing.T) {
	var holder struct {
		Params Params `yaml:"params"`
	}
	doc := "params:\n  zeta: \"1\"\n  alpha: two\n  mid: \"3\"\n"
	if err := yaml.Unmarshal([]byte(doc), &holder); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	names := []string{}
	for _, p := range holder.Params {
		names = append(names, p.Name)
	}
	if strings.Join(names, ",") != "zeta,alpha,mid" {
		t.Fatalf("order not preserved: %v", names)
	}
	if v, ok := holder.Params.Get("alpha"); !ok || v != "two" {
		t.Fatalf("Get(alpha) = %q, %v", v, ok)
	}

	if err := yaml.Unmarshal([]byte("params:\n  - a\n"), &holder); err == nil {
		t.Fatalf("expected sequence to be rejected")
	}
}
