package object

import (
	"errors"
	"testing"
)

func f64(v float64) *float64 { return &v }

func TestFormatBool(t *testing.T) {
	spec := PropertySpec{Type: TypeBool}
	truthy := []any{true, 1, "true", "YES", "on", "y", "1"}
	for _, raw := range truthy {
		v, err := formatValue("t", "flag", spec, raw)
		if err != nil || v != true {
			t.Fatalf("formatValue(%v) = %v, %v; want true", raw, v, err)
		}
	}
	falsy := []any{false, 0, "false", "No", "OFF", "n", "0"}
	for _, raw := range falsy {
		v, err := formatValue("t", "flag", spec, raw)
		if err != nil || v != false {
			t.Fatalf("formatValue(%v) = %v, %v; want false", raw, v, err)
		}
	}
	if _, err := formatValue("t", "flag", spec, "maybe"); err == nil {
		t.Fatalf("expected error for unrecognized token")
	}
	var ve ValidationError
	_, err := formatValue("t", "flag", spec, "maybe")
	if !errors.As(err, &ve) || ve.Prop != "flag" {
		t.Fatalf("expected ValidationError for flag, got %v", err)
	}
}

func TestFormatInt(t *testing.T) {
	spec := PropertySpec{Type: TypeInt}
	v, err := formatValue("t", "n", spec, "42")
	if err != nil || v != int64(42) {
		t.Fatalf("decimal string: %v, %v", v, err)
	}
	v, err = formatValue("t", "n", spec, 7.0)
	if err != nil || v != int64(7) {
		t.Fatalf("integral float: %v, %v", v, err)
	}
	if _, err := formatValue("t", "n", spec, 7.5); err == nil {
		t.Fatalf("expected error for non-integral float")
	}
	if _, err := formatValue("t", "n", spec, "ff"); err == nil {
		t.Fatalf("expected error for hex without accept-hex")
	}
	hexSpec := PropertySpec{Type: TypeInt, AcceptHex: true}
	v, err = formatValue("t", "n", hexSpec, "0xff")
	if err != nil || v != int64(255) {
		t.Fatalf("hex with prefix: %v, %v", v, err)
	}
	v, err = formatValue("t", "n", hexSpec, "ff")
	if err != nil || v != int64(255) {
		t.Fatalf("bare hex: %v, %v", v, err)
	}
	// decimal parse wins over hex when both could apply
	v, err = formatValue("t", "n", hexSpec, "10")
	if err != nil || v != int64(10) {
		t.Fatalf("decimal precedence: %v, %v", v, err)
	}
}

func TestFormatFloatAndString(t *testing.T) {
	v, err := formatValue("t", "x", PropertySpec{Type: TypeFloat}, "2.5")
	if err != nil || v != 2.5 {
		t.Fatalf("float string: %v, %v", v, err)
	}
	v, err = formatValue("t", "x", PropertySpec{Type: TypeFloat}, 3)
	if err != nil || v != 3.0 {
		t.Fatalf("float from int: %v, %v", v, err)
	}
	v, err = formatValue("t", "s", PropertySpec{Type: TypeString}, 12)
	if err != nil || v != "12" {
		t.Fatalf("string from int: %v, %v", v, err)
	}
	v, err = formatValue("t", "b", PropertySpec{Type: TypeBytes}, "abc")
	if err != nil || string(v.([]byte)) != "abc" {
		t.Fatalf("bytes from string: %v, %v", v, err)
	}
}

func TestFormatBounds(t *testing.T) {
	spec := PropertySpec{Type: TypeInt, Min: f64(0), Max: f64(100)}
	if _, err := formatValue("t", "n", spec, 100); err != nil {
		t.Fatalf("max is inclusive: %v", err)
	}
	if _, err := formatValue("t", "n", spec, 101); err == nil {
		t.Fatalf("expected error above max")
	}
	if _, err := formatValue("t", "n", spec, -1); err == nil {
		t.Fatalf("expected error below min")
	}
	// string bounds apply to length
	sspec := PropertySpec{Type: TypeString, Min: f64(2), Max: f64(4)}
	if _, err := formatValue("t", "s", sspec, "abc"); err != nil {
		t.Fatalf("length in range: %v", err)
	}
	if _, err := formatValue("t", "s", sspec, "a"); err == nil {
		t.Fatalf("expected error for too-short string")
	}
	if _, err := formatValue("t", "s", sspec, "abcde"); err == nil {
		t.Fatalf("expected error for too-long string")
	}
}

func TestFormatChoices(t *testing.T) {
	spec := PropertySpec{Type: TypeString, Choices: []any{"red", "green"}}
	if _, err := formatValue("t", "c", spec, "red"); err != nil {
		t.Fatalf("allowed choice: %v", err)
	}
	if _, err := formatValue("t", "c", spec, "blue"); err == nil {
		t.Fatalf("expected error for disallowed choice")
	}
	// nil must also pass the choice check
	if _, err := formatValue("t", "c", spec, nil); err == nil {
		t.Fatalf("expected error for nil against choices without nil")
	}
	nilOK := PropertySpec{Type: TypeString, Choices: []any{nil, "red"}}
	if _, err := formatValue("t", "c", nilOK, nil); err != nil {
		t.Fatalf("nil listed as choice: %v", err)
	}
	// choices declared as ints match coerced int64 values
	ispec := PropertySpec{Type: TypeInt, Choices: []any{1, 2}}
	if _, err := formatValue("t", "c", ispec, "2"); err != nil {
		t.Fatalf("numeric choice equality: %v", err)
	}
}

func TestFormatNilPassesThrough(t *testing.T) {
	v, err := formatValue("t", "n", PropertySpec{Type: TypeInt, Min: f64(10)}, nil)
	if err != nil || v != nil {
		t.Fatalf("nil must bypass coercion and bounds: %v, %v", v, err)
	}
}

func TestValuesEqualNumericCrossType(t *testing.T) {
	if !valuesEqual(int64(3), 3.0) {
		t.Fatalf("expected int64(3) == 3.0")
	}
	if !valuesEqual(3, int64(3)) {
		t.Fatalf("expected 3 == int64(3)")
	}
	if valuesEqual(int64(3), "3") {
		t.Fatalf("numbers must not equal strings")
	}
	if !valuesEqual("a", "a") || valuesEqual("a", "b") {
		t.Fatalf("string equality broken")
	}
}
