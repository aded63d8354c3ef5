package reports

import (
	"os"
	"path/filepath"
	"testing"

	"specimen-curator/app/model"
)

func occ(first, last, email, address, species, county string) model.Occurrence {
	return model.Occurrence{FirstName: first, LastName: last, Email: email, Address: address, Species: species, County: county, Genus: "Bombus"}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestCompileAddressesGroupsCollectors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "addresses.csv")
	n, err := CompileAddresses([]model.Occurrence{
		occ("Ana", "Rivera", "", "1 Oak St", "", ""),
		occ("Ben", "Adams", "", "2 Elm St", "", ""),
		occ("Ana", "Rivera", "", "1 Oak St", "", ""),
		occ("Cy", "Baker", "", "", "", ""),
	}, path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("wrote %d rows, want 2", n)
	}
	want := "First Name,Last Name,Address,Specimens\nBen,Adams,2 Elm St,1\nAna,Rivera,1 Oak St,2\n"
	if got := readFile(t, path); got != want {
		t.Fatalf("addresses =\n%s", got)
	}
}

func TestCompileEmailsIgnoresCase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emails.csv")
	var calls int
	n, err := CompileEmails([]model.Occurrence{
		occ("Ana", "Rivera", "Ana@Example.org", "", "", ""),
		occ("Ana", "Rivera", "ana@example.org", "", "", ""),
	}, path, func(done, total int) { calls++ })
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || calls != 2 {
		t.Fatalf("rows %d, progress calls %d", n, calls)
	}
	want := "First Name,Last Name,Email,Specimens\nAna,Rivera,ana@example.org,2\n"
	if got := readFile(t, path); got != want {
		t.Fatalf("emails =\n%s", got)
	}
}

func TestWritePivot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pivot.csv")
	n, err := WritePivot([]model.Occurrence{
		occ("", "", "", "", "Bombus vosnesenskii", "Benton"),
		occ("", "", "", "", "Bombus vosnesenskii", "Linn"),
		occ("", "", "", "", "Bombus vosnesenskii", "Benton"),
		occ("", "", "", "", "", "Linn"),
	}, path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("wrote %d rows", n)
	}
	want := "Species,Benton,Linn,Total\nBombus sp.,,1,1\nBombus vosnesenskii,2,1,3\n"
	if got := readFile(t, path); got != want {
		t.Fatalf("pivot =\n%s", got)
	}
}

func TestEmptyReportsKeepHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emails.csv")
	if _, err := CompileEmails(nil, path, nil); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, path); got != "First Name,Last Name,Email,Specimens\n" {
		t.Fatalf("empty report = %q", got)
	}
}
