package queue

import (
	"reflect"
	"strings"
)

// JobType identifies a job argument type.
type JobType struct {
	t reflect.Type
}

// TypeOf returns the JobType for T.
func TypeOf[T any]() JobType {
	return JobType{t: reflect.TypeFor[T]()}
}

// Reflect returns the underlying reflect.Type.
func (jt JobType) Reflect() reflect.Type {
	return jt.t
}

// IsZero reports whether jt was never set.
func (jt JobType) IsZero() bool {
	return jt.t == nil
}

// QualifiedName returns pkgpath.TypeName, or the bare type string for
// unnamed types.
func (jt JobType) QualifiedName() string {
	if jt.t == nil {
		return ""
	}
	if jt.t.Name() == "" || jt.t.PkgPath() == "" {
		return jt.t.String()
	}
	return jt.t.PkgPath() + "." + jt.t.Name()
}

func (jt JobType) String() string {
	return jt.QualifiedName()
}

// Named lets a job argument type choose its own job name.
type Named interface {
	JobName() string
}

var nameReplacer = strings.NewReplacer(
	".", "_",
	"+", "_",
	"/", "_",
	`\`, "_",
	"*", "_",
	">", "_",
	"[", "_",
	"]", "_",
	",", "_",
	" ", "_",
	"\t", "_",
	"\n", "_",
)

// Name returns the job name for jt: the JobName annotation verbatim when the
// type (or a pointer to it) implements Named, otherwise the qualified name
// with separators replaced by underscores.
func (jt JobType) Name() string {
	if jt.t == nil {
		return ""
	}
	if name, ok := annotatedName(jt.t); ok {
		return name
	}
	return nameReplacer.Replace(jt.QualifiedName())
}

func annotatedName(t reflect.Type) (string, bool) {
	if t.Kind() == reflect.Interface {
		return "", false
	}
	named := reflect.TypeFor[Named]()
	switch {
	case t.Implements(named):
		v := reflect.Zero(t)
		if t.Kind() == reflect.Pointer {
			v = reflect.New(t.Elem())
		}
		return v.Interface().(Named).JobName(), true
	case reflect.PointerTo(t).Implements(named):
		return reflect.New(t).Interface().(Named).JobName(), true
	}
	return "", false
}
