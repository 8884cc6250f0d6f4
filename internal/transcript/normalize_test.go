package transcript

import "testing"

func TestNormalizeStripsControlTokens(t *testing.T) {
	got := Normalize("<|startoftranscript|><|en|> Hello<|endoftext|>")
	if got != "Hello" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizeTimestamps(t *testing.T) {
	got := Normalize("<|0.00|>Hi<|2.50|>there")
	want := "[00:00.00] Hi\n\n[00:02.50] there"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestNormalizeTimestampFormatting(t *testing.T) {
	cases := map[string]string{
		"<|75.299|>x":  "[01:15.29] x",
		"<|0.29|>x":    "[00:00.29] x",
		"<|0.5|>x":     "[00:00.50] x",
		"<|3600.01|>x": "[60:00.01] x",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeFirstMarkerMidText(t *testing.T) {
	got := Normalize("intro <|1.00|>a<|2.00|>b")
	want := "intro [00:01.00] a\n\n[00:02.00] b"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestNormalizeMalformedMarkersPassThrough(t *testing.T) {
	in := "a <|1.|> b <|x.50|> c <|.5|>"
	if got := Normalize(in); got != in {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizeParts(t *testing.T) {
	got := NormalizeParts("<|startoftranscript|>one", "two<|endoftext|>")
	if got != "one two" {
		t.Fatalf("got %q", got)
	}
	if got := NormalizeParts("", "one", "  ", "two"); got != "one two" {
		t.Fatalf("blank parts should be skipped, got %q", got)
	}
	seam := NormalizeParts("<|startoftranscript|><|en|> first<|endoftext|>", "<|startoftranscript|><|en|> second<|endoftext|>")
	if seam != "first second" {
		t.Fatalf("seam should join with one space, got %q", seam)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"plain text",
		"<|startoftranscript|><|en|><|transcribe|> Hello world<|endoftext|>",
		"<|0.00|>Hi<|2.50|>there<|4.00|>",
		"<|notimestamps|> trailing <|9.99|>",
		"<|en<|en|>|> nested",
		"<en> legacy tag <|endoftranscript|>",
		"[00:01.00] already clean\n\n[00:02.00] text",
		"a <|1.|> b <|x.50|>",
		"<|99999999999999999999.00|> huge <|1.00|> ok",
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Fatalf("not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestShiftTimestamps(t *testing.T) {
	got := ShiftTimestamps("<|0.00|> a<|1.50|>", 30)
	if got != "<|30.00|> a<|31.50|>" {
		t.Fatalf("got %q", got)
	}
	if ShiftTimestamps("<|1.00|>", 0) != "<|1.00|>" {
		t.Fatal("zero offset must not rewrite markers")
	}
	if Normalize(ShiftTimestamps("<|0.00|>hello", 60)) != "[01:00.00] hello" {
		t.Fatal("shifted marker should normalize to the chunk offset")
	}
}

func TestNormalizeStripsOtherLanguageTags(t *testing.T) {
	got := Normalize("<|startoftranscript|><|fr|><|transcribe|> Bonjour<|endoftext|>")
	if got != "Bonjour" {
		t.Fatalf("got %q", got)
	}
}
