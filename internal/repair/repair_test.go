package repair

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

const sampleBOM = `{"project_name":"weather station","components_needed":["ESP32","BME280","OLED 0.96"],` +
	`"bom":[{"name":"ESP32 DevKit","price":450.5,"quantity":1,"reason":"mcu"},` +
	`{"name":"BME280 module","price":310,"quantity":1,"in_stock":true},` +
	`{"name":"Jumper wires","estimated_price":60,"quantity":2,"url":"https://robu.in/p/jumper-wires"}],` +
	`"battery_powered":false,"notes":null}`

func mustCompact(t *testing.T, s string) string {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("fixture is not valid JSON: %v", err)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		t.Fatalf("compact: %v", err)
	}
	return buf.String()
}

func TestRepair_ValidRecordIsIdempotent(t *testing.T) {
	inputs := []string{
		sampleBOM,
		`[{"from":"ESP32 GPIO21","to":"BME280 SDA","type":"I2C"}]`,
		`{"nested":{"deep":[1,2,{"x":"}{]["}]}}`,
		"  {\n  \"a\" : 1 ,\n  \"b\" : [ true , false ]\n}\n",
	}
	for _, in := range inputs {
		first, err := Repair(in)
		if err != nil {
			t.Fatalf("Repair(%q): %v", in, err)
		}
		if got, want := first.String(), mustCompact(t, strings.TrimSpace(in)); got != want {
			t.Fatalf("repair(x) != parse(x)\n got=%s\nwant=%s", got, want)
		}
		second, err := Repair(first.String())
		if err != nil {
			t.Fatalf("Repair(repair(x)): %v", err)
		}
		if second.String() != first.String() {
			t.Fatalf("repair not idempotent\nfirst=%s\nsecond=%s", first, second)
		}
	}
}

func TestRepair_StripsFencesAndProse(t *testing.T) {
	in := "Sure! Here is the circuit you asked for:\n\n```json\n{\"connections\":[{\"from\":\"A\",\"to\":\"B\"}]}\n```\n\nLet me know if you need more."
	rec, err := Repair(in)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if got := rec.Get("connections.0.to").String(); got != "B" {
		t.Fatalf("connections.0.to=%q", got)
	}
}

func TestRepair_IgnoresBracesInsideStrings(t *testing.T) {
	in := `prefix {"note":"use } and { carefully","list":["]"]} suffix }`
	rec, err := Repair(in)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if got := rec.Get("note").String(); got != "use } and { carefully" {
		t.Fatalf("note=%q", got)
	}
}

func TestRepair_SkipsProseBracesBeforeRecord(t *testing.T) {
	in := `Wrap values in {braces} as shown: {"project_name":"lamp"}`
	rec, err := Repair(in)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if rec.Get("project_name").String() != "lamp" {
		t.Fatalf("got %s", rec)
	}
}

func TestRepair_TrailingCommasAndComments(t *testing.T) {
	in := `{
  // board settings
  "layers": 2, /* two layer */
  "fab": "https://jlcpcb.com/quote",
  "routing_notes": ["short I2C traces", "ground plane",],
}`
	rec, err := Repair(in)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if got := rec.Get("fab").String(); got != "https://jlcpcb.com/quote" {
		t.Fatalf("url inside string was altered: %q", got)
	}
	if n := len(rec.Get("routing_notes").Array()); n != 2 {
		t.Fatalf("routing_notes len=%d", n)
	}
}

func TestRepair_ClosesTruncatedArray(t *testing.T) {
	in := "```json\n[{\"name\":\"ESP32\",\"price\":450},{\"name\":\"BME280\",\"pri"
	rec, err := Repair(in)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	var items []map[string]any
	if err := rec.Decode(&items); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(items) != 2 || items[0]["name"] != "ESP32" || items[1]["name"] != "BME280" {
		t.Fatalf("items=%v", items)
	}
	if _, ok := items[1]["pri"]; ok {
		t.Fatalf("truncated key must not become a field: %v", items[1])
	}
}

func TestRepair_TruncationDropsUnfilledElement(t *testing.T) {
	cases := []struct{ in, want string }{
		{`[{"a":1},{"b":tr`, `[{"a":1}]`},
		{`{"a":[1,2,{"c":`, `{"a":[1,2]}`},
		{`[{"a":1},{`, `[{"a":1}]`},
		{`{"a":[1,[2,[`, `{"a":[1,[2]]}`},
		{`{"a":1,"parts":[{"na`, `{"a":1,"parts":[]}`},
	}
	for _, tc := range cases {
		rec, err := Repair(tc.in)
		if err != nil {
			t.Fatalf("Repair(%q): %v", tc.in, err)
		}
		if got := rec.String(); got != tc.want {
			t.Fatalf("Repair(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
	if _, err := Repair(`[{"b":tr`); err == nil {
		t.Fatal("a lone unfilled element recovers nothing")
	}
}

func TestRepair_TruncatedStringValueIsClosed(t *testing.T) {
	rec, err := Repair(`{"project_name":"weather st`)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if got := rec.Get("project_name").String(); got != "weather st" {
		t.Fatalf("project_name=%q", got)
	}
}

// Every truncation at or beyond half the record either fails cleanly or
// yields a record whose fields all exist in the original with prefix values.
func TestRepair_TruncationNeverFabricates(t *testing.T) {
	var want any
	dec := json.NewDecoder(strings.NewReader(sampleBOM))
	dec.UseNumber()
	if err := dec.Decode(&want); err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	recovered := 0
	for off := len(sampleBOM) / 2; off < len(sampleBOM); off++ {
		in := sampleBOM[:off]
		rec, err := Repair(in)
		if err != nil {
			var ue *UnrepairableOutputError
			if !errors.As(err, &ue) {
				t.Fatalf("offset %d: unexpected error type %T: %v", off, err, err)
			}
			if ue.Length != len(in) {
				t.Fatalf("offset %d: Length=%d want %d", off, ue.Length, len(in))
			}
			continue
		}
		recovered++
		var got any
		d := json.NewDecoder(strings.NewReader(rec.String()))
		d.UseNumber()
		if err := d.Decode(&got); err != nil {
			t.Fatalf("offset %d: record is not JSON: %v", off, err)
		}
		if path, ok := prefixConsistent(got, want, "$"); !ok {
			t.Fatalf("offset %d: fabricated or inconsistent value at %s\ninput=%s\nrecord=%s", off, path, in, rec)
		}
	}
	if recovered == 0 {
		t.Fatal("expected at least one truncation offset to be recoverable")
	}
}

func prefixConsistent(got, want any, path string) (string, bool) {
	switch g := got.(type) {
	case map[string]any:
		w, ok := want.(map[string]any)
		if !ok {
			return path, false
		}
		for k, gv := range g {
			wv, ok := w[k]
			if !ok {
				return path + "." + k, false
			}
			if p, ok := prefixConsistent(gv, wv, path+"."+k); !ok {
				return p, false
			}
		}
	case []any:
		w, ok := want.([]any)
		if !ok || len(g) > len(w) {
			return path, false
		}
		for i := range g {
			if p, ok := prefixConsistent(g[i], w[i], path+"[]"); !ok {
				return p, false
			}
		}
	case string:
		w, ok := want.(string)
		if !ok || !strings.HasPrefix(w, g) {
			return path, false
		}
	case json.Number:
		w, ok := want.(json.Number)
		if !ok || !strings.HasPrefix(w.String(), g.String()) {
			return path, false
		}
	default:
		if got != want {
			return path, false
		}
	}
	return "", true
}

func TestRepair_UnrepairableCarriesLengthAndReason(t *testing.T) {
	for _, in := range []string{
		"I'm sorry, I could not design this circuit.",
		"Here is the circuit design:\n```json\n",
		`{"connections":`,
	} {
		_, err := Repair(in)
		var ue *UnrepairableOutputError
		if !errors.As(err, &ue) {
			t.Fatalf("Repair(%q): want UnrepairableOutputError, got %v", in, err)
		}
		if ue.Length != len(in) || strings.TrimSpace(ue.Reason) == "" {
			t.Fatalf("Repair(%q): Length=%d Reason=%q", in, ue.Length, ue.Reason)
		}
	}
}

func TestRepair_IsDeterministic(t *testing.T) {
	in := `{"a":[1,2,{"b":"c` + "\n// trailing"
	r1, err1 := Repair(in)
	r2, err2 := Repair(in)
	if (err1 == nil) != (err2 == nil) {
		t.Fatalf("errors differ: %v vs %v", err1, err2)
	}
	if r1.String() != r2.String() {
		t.Fatalf("results differ: %s vs %s", r1, r2)
	}
}

func TestText_StripsFence(t *testing.T) {
	in := "```openscad\ncube([10,10,10]);\n```"
	if got := Text(in); got != "cube([10,10,10]);" {
		t.Fatalf("Text=%q", got)
	}
	if got := Text("  sphere(5);  "); got != "sphere(5);" {
		t.Fatalf("Text=%q", got)
	}
}
