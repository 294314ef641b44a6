package tariff

import (
	"testing"
	"time"

	"github.com/clearlane/tariffcore/pkg/money"
)

func TestScopeMatches(t *testing.T) {
	scope := Scope{Groups: []string{"annex_one"}, ExceptCountries: []string{"GB"}}

	if !scope.Matches("DE", "annex_one") {
		t.Fatal("DE in annex_one should match")
	}
	if scope.Matches("GB", "annex_one") {
		t.Fatal("excepted country must not match even when the group does")
	}
	if scope.Matches("JP", "default") {
		t.Fatal("country outside the groups should not match")
	}

	all := Scope{AllCountries: true, ExceptCountries: []string{"KP"}}
	if !all.Matches("JP", "default") {
		t.Fatal("AllCountries should match any group")
	}
	if all.Matches("KP", "default") {
		t.Fatal("exceptions apply before AllCountries")
	}
}

func TestSubjectKey(t *testing.T) {
	key := SubjectKey{Code: "73063010", Material: "steel", Country: "DE"}
	if key.String() != "73063010|steel|DE" {
		t.Fatalf("String() = %q", key.String())
	}
	if key.IsGlobal() {
		t.Fatal("country-qualified key is not global")
	}

	global := key.Global()
	if !global.IsGlobal() {
		t.Fatal("Global() must drop the country")
	}
	if global.Material != key.Material || global.Code != key.Code {
		t.Fatal("Global() must preserve code and material")
	}
}

func TestParseEnums(t *testing.T) {
	kind, err := ParseProgramKind("content")
	if err != nil || kind != KindContentBased {
		t.Fatalf("ParseProgramKind(content) = %v, %v", kind, err)
	}
	if _, err := ParseProgramKind("bogus"); err == nil {
		t.Fatal("unknown kind must error")
	}

	at, err := ParseArticleType("derivative")
	if err != nil || at != ArticleDerivative {
		t.Fatalf("ParseArticleType(derivative) = %v, %v", at, err)
	}
	if _, err := ParseArticleType("bogus"); err == nil {
		t.Fatal("unknown article type must error")
	}
}

func TestRequestValidate(t *testing.T) {
	base := CalculationRequest{
		HTSCode:       "73063010",
		Country:       "DE",
		AsOf:          time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		DeclaredValue: money.New(10000, "USD"),
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	over := base
	over.MaterialValues = map[Material]money.Money{
		MaterialSteel:    money.New(8000, "USD"),
		MaterialAluminum: money.New(5000, "USD"),
	}
	if err := over.Validate(); err == nil {
		t.Fatal("material values exceeding the total must be rejected")
	}

	mismatch := base
	mismatch.MaterialValues = map[Material]money.Money{
		MaterialSteel: money.New(1000, "EUR"),
	}
	if err := mismatch.Validate(); err == nil {
		t.Fatal("material currency mismatch must be rejected")
	}

	badShare := base
	badShare.OriginShareBP = 10001
	if err := badShare.Validate(); err == nil {
		t.Fatal("origin share above 10000 bp must be rejected")
	}

	missing := base
	missing.HTSCode = ""
	if err := missing.Validate(); err == nil {
		t.Fatal("missing HTS code must be rejected")
	}
}
