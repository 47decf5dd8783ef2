// Package search compiles transaction search filters into store-neutral predicates.
package search

// Field names a searchable property of a stored transaction
type Field string

const (
	FieldID             Field = "id"
	FieldChainID        Field = "chain_id"
	FieldHeight         Field = "height"
	FieldTxHash         Field = "txhash"
	FieldEventType      Field = "event.type"
	FieldAttributeKey   Field = "event.attribute.key"
	FieldAttributeValue Field = "event.attribute.value"
)

// IsEvent reports whether the field lives inside tx_response.events.
// Each event condition is satisfied by any event of the transaction on its own.
func (f Field) IsEvent() bool {
	return f == FieldEventType || f == FieldAttributeKey || f == FieldAttributeValue
}

// Op is a comparison operator
type Op string

const (
	OpEq Op = "eq"
	OpLt Op = "lt"
	OpGt Op = "gt"
)

// Predicate is a node of a compiled filter
type Predicate interface {
	predicate()
}

// Cond compares one field with a value. Value is a string, or an int64 for FieldID and FieldHeight.
type Cond struct {
	Field Field
	Op    Op
	Value interface{}
}

// And matches when every child matches
type And []Predicate

// Or matches when any child matches
type Or []Predicate

func (Cond) predicate() {}
func (And) predicate()  {}
func (Or) predicate()   {}

// Eq builds an equality condition
func Eq(field Field, value interface{}) Cond {
	return Cond{Field: field, Op: OpEq, Value: value}
}
