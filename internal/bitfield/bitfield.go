// Package bitfield packs and unpacks struct fields into machine words.
//
// Forked from the teacher kernel's src/bitfield package (itself a
// simplified derivative of golang.org/x/text/internal/gen/bitfield),
// generalized with an Unpack counterpart so the same struct tags used
// to pack a value can reconstruct one.
package bitfield

import (
	"fmt"
	"reflect"
)

// Config determines settings for packing and unpacking.
type Config struct {
	// NumBits fixes the maximum allowed bits for the integer representation.
	NumBits uint
}

// Pack packs annotated bit ranges of struct x into an integer.
// Only fields with a "bitfield:\",<bits>\"" tag are packed, in field
// declaration order, least-significant-field-first.
func Pack(x interface{}, c *Config) (packed uint64, err error) {
	if c == nil {
		c = &Config{NumBits: 64}
	}

	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return 0, fmt.Errorf("bitfield: Pack expected struct, got %v", v.Kind())
	}

	t := v.Type()
	var bitOffset uint

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		bits, ok, tagErr := fieldBits(field)
		if tagErr != nil {
			return 0, tagErr
		}
		if !ok || bits == 0 {
			continue
		}

		fieldValue := v.Field(i)
		fieldBits, err := readField(fieldValue, field.Name)
		if err != nil {
			return 0, err
		}

		maxValue := maxForBits(bits)
		if fieldBits > maxValue {
			return 0, fmt.Errorf("bitfield: Pack value %d exceeds %d bits for field %s", fieldBits, bits, field.Name)
		}

		packed |= fieldBits << bitOffset
		bitOffset += bits
	}

	if c.NumBits > 0 && bitOffset > c.NumBits {
		return 0, fmt.Errorf("bitfield: Pack total bits %d exceeds NumBits %d", bitOffset, c.NumBits)
	}
	return packed, nil
}

// Unpack distributes the bits of packed back into the tagged fields of
// the struct pointed to by x, the inverse of Pack.
func Unpack(packed uint64, x interface{}) error {
	v := reflect.ValueOf(x)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("bitfield: Unpack expects a pointer to struct")
	}
	v = v.Elem()
	t := v.Type()

	var bitOffset uint
	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		bits, ok, tagErr := fieldBits(field)
		if tagErr != nil {
			return tagErr
		}
		if !ok || bits == 0 {
			continue
		}

		mask := maxForBits(bits)
		fieldBits := (packed >> bitOffset) & mask
		bitOffset += bits

		if err := writeField(v.Field(i), fieldBits, field.Name); err != nil {
			return err
		}
	}
	return nil
}

func fieldBits(field reflect.StructField) (bits uint, ok bool, err error) {
	tag := field.Tag.Get("bitfield")
	if tag == "" {
		return 0, false, nil
	}
	var n uint
	if _, scanErr := fmt.Sscanf(tag, ",%d", &n); scanErr != nil {
		return 0, false, fmt.Errorf("bitfield: invalid tag %q on field %s", tag, field.Name)
	}
	return n, true, nil
}

func readField(fieldValue reflect.Value, name string) (uint64, error) {
	switch fieldValue.Kind() {
	case reflect.Bool:
		if fieldValue.Bool() {
			return 1, nil
		}
		return 0, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fieldValue.Uint(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		val := fieldValue.Int()
		if val < 0 {
			return 0, fmt.Errorf("bitfield: negative value %d for field %s", val, name)
		}
		return uint64(val), nil
	default:
		return 0, fmt.Errorf("bitfield: unsupported field type %v for field %s", fieldValue.Kind(), name)
	}
}

func writeField(fieldValue reflect.Value, bits uint64, name string) error {
	switch fieldValue.Kind() {
	case reflect.Bool:
		fieldValue.SetBool(bits != 0)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		fieldValue.SetUint(bits)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		fieldValue.SetInt(int64(bits))
	default:
		return fmt.Errorf("bitfield: unsupported field type %v for field %s", fieldValue.Kind(), name)
	}
	return nil
}

func maxForBits(bits uint) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bits) - 1
}
