package graph

// Field is one row of a reducer table: it folds the matching part of an
// update U into the running state S.
type Field[S, U any] struct {
	Name  string
	Apply func(dst *S, update U)
}

// Reducers is the declarative merge table applied after every step.
type Reducers[S, U any] []Field[S, U]

// Merge applies every field reducer to a copy of state and returns it.
func (r Reducers[S, U]) Merge(state S, update U) S {
	for _, field := range r {
		field.Apply(&state, update)
	}
	return state
}

// Names lists the fields covered by the table, in order.
func (r Reducers[S, U]) Names() []string {
	names := make([]string, len(r))
	for i, field := range r {
		names[i] = field.Name
	}
	return names
}

// Append builds a list reducer. The merged slice is always freshly
// allocated, so earlier state values never observe later appends.
func Append[S, U, E any](name string, dst func(*S) *[]E, src func(U) []E) Field[S, U] {
	return Field[S, U]{
		Name: name,
		Apply: func(state *S, update U) {
			add := src(update)
			if len(add) == 0 {
				return
			}
			cur := dst(state)
			merged := make([]E, 0, len(*cur)+len(add))
			merged = append(merged, *cur...)
			merged = append(merged, add...)
			*cur = merged
		},
	}
}

// LastWrite builds a scalar reducer. A nil update pointer leaves the field
// untouched; a non-nil one overwrites it, including with the zero value.
func LastWrite[S, U, V any](name string, dst func(*S) *V, src func(U) *V) Field[S, U] {
	return Field[S, U]{
		Name: name,
		Apply: func(state *S, update U) {
			if v := src(update); v != nil {
				*dst(state) = *v
			}
		},
	}
}
