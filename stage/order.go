package stage

import (
	"errors"
	"fmt"
	"strings"
)

const (
	PurchaseRequest     = "Purchase Request"
	RFQ1                = "RFQ 1"
	RFQ2                = "RFQ 2"
	RFQ3                = "RFQ 3"
	AbstractOfQuotation = "Abstract of Quotation"
	PurchaseOrder       = "Purchase Order"
	NoticeOfAward       = "Notice of Award"
	NoticeToProceed     = "Notice to Proceed"
)

// Canonical is the procurement workflow every project follows.
var Canonical = MustOrder(
	PurchaseRequest,
	RFQ1,
	RFQ2,
	RFQ3,
	AbstractOfQuotation,
	PurchaseOrder,
	NoticeOfAward,
	NoticeToProceed,
)

// Descriptor names one step of an Order.
type Descriptor struct {
	Name     string
	Position int
}

// Order is an immutable sequence of stages. It defines the seeding order for a
// new project and the rule that a stage may only be submitted once its
// predecessor has been.
type Order struct {
	stages []Descriptor
	index  map[string]int
}

// NewOrder validates names and builds an Order. Names must be non-blank and
// unique.
func NewOrder(names ...string) (Order, error) {
	if len(names) == 0 {
		return Order{}, errors.New("stage: order needs at least one stage")
	}
	o := Order{
		stages: make([]Descriptor, 0, len(names)),
		index:  make(map[string]int, len(names)),
	}
	for i, name := range names {
		if strings.TrimSpace(name) == "" {
			return Order{}, fmt.Errorf("stage: blank stage name at position %d", i)
		}
		if _, dup := o.index[name]; dup {
			return Order{}, fmt.Errorf("stage: duplicate stage name %q", name)
		}
		o.index[name] = i
		o.stages = append(o.stages, Descriptor{Name: name, Position: i})
	}
	return o, nil
}

// MustOrder is NewOrder for package-level values.
func MustOrder(names ...string) Order {
	o, err := NewOrder(names...)
	if err != nil {
		panic(err)
	}
	return o
}

func (o Order) Len() int { return len(o.stages) }

// Names returns the stage names in order. The slice is a copy.
func (o Order) Names() []string {
	names := make([]string, len(o.stages))
	for i, d := range o.stages {
		names[i] = d.Name
	}
	return names
}

func (o Order) At(position int) Descriptor { return o.stages[position] }

// Index reports the position of name, if it belongs to the order.
func (o Order) Index(name string) (int, bool) {
	i, ok := o.index[name]
	return i, ok
}

// Next returns the stage following name. ok is false for the last stage and
// for names outside the order.
func (o Order) Next(name string) (Descriptor, bool) {
	i, ok := o.index[name]
	if !ok || i+1 >= len(o.stages) {
		return Descriptor{}, false
	}
	return o.stages[i+1], true
}

// Last reports whether name is the final stage.
func (o Order) Last(name string) bool {
	i, ok := o.index[name]
	return ok && i == len(o.stages)-1
}
