package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/PabloGalante/callcore/internal/domain"
)

// CheckWiring walks the YAML-facing fields of v and fails for any field that
// does not declare, through a `stage` tag, which turn stage reads it. Nested
// structs (and slices of structs) are walked instead of tagged.
//
// Accepting a setting that nothing reads was how short-circuit settings got
// lost before, so every new field has to name its consumer here.
func CheckWiring(v any) error {
	consumers, err := Consumers(v)
	if err != nil {
		return err
	}
	if len(consumers) == 0 {
		return fmt.Errorf("wiring: %T has no configuration fields", v)
	}
	return nil
}

// Consumers maps each YAML path of v to the stages that consume it.
func Consumers(v any) (map[string][]domain.StageName, error) {
	t := reflect.TypeOf(v)
	if t == nil {
		return nil, errors.New("wiring: nil value")
	}
	out := make(map[string][]domain.StageName)
	var errs []error
	walkFields(t, "", out, &errs, map[reflect.Type]bool{})
	return out, errors.Join(errs...)
}

func walkFields(t reflect.Type, prefix string, out map[string][]domain.StageName, errs *[]error, seen map[reflect.Type]bool) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return
	}
	if seen[t] {
		return
	}
	seen[t] = true
	defer delete(seen, t)

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := yamlName(f)
		if name == "-" {
			continue
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}

		stageTag, tagged := f.Tag.Lookup("stage")
		if nested := structType(f.Type); nested != nil && !tagged {
			walkFields(nested, path, out, errs, seen)
			continue
		}
		if !tagged || strings.TrimSpace(stageTag) == "" {
			*errs = append(*errs, fmt.Errorf("wiring: %s is accepted but no stage consumes it", path))
			continue
		}

		var stages []domain.StageName
		for _, s := range strings.Split(stageTag, ",") {
			st := domain.StageName(strings.TrimSpace(s))
			if !domain.IsKnownStage(st) {
				*errs = append(*errs, fmt.Errorf("wiring: %s names unknown stage %q", path, st))
				continue
			}
			stages = append(stages, st)
		}
		sort.Slice(stages, func(i, j int) bool { return stages[i] < stages[j] })
		out[path] = stages

		// A tagged struct (e.g. scenario entries) still has its own fields checked.
		if nested := structType(f.Type); nested != nil {
			walkFields(nested, path, out, errs, seen)
		}
	}
}

func yamlName(f reflect.StructField) string {
	tag := f.Tag.Get("yaml")
	if tag == "" {
		return strings.ToLower(f.Name)
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return strings.ToLower(f.Name)
	}
	return name
}

// structType returns the element struct type of struct, *struct, []struct
// and map[..]struct fields, or nil.
func structType(t reflect.Type) reflect.Type {
	for {
		switch t.Kind() {
		case reflect.Pointer, reflect.Slice, reflect.Array, reflect.Map:
			t = t.Elem()
			continue
		case reflect.Struct:
			// time.Duration is an int; time.Time is a leaf value.
			if t.PkgPath() == "time" {
				return nil
			}
			return t
		}
		return nil
	}
}
