package protocol

import "github.com/google/uuid"

// Element is either a *Step or a *Group, the two node kinds of a protocol
// tree (spec.md section 3).
type Element interface {
	isElement()
}

// ElementID returns the positional ID most recently assigned by
// ProtocolState.ReassignIDs, or "" if it has never been assigned.
func ElementID(e Element) string {
	switch v := e.(type) {
	case *Step:
		return v.Parameters[ParamID]
	case *Group:
		return v.Parameters[ParamID]
	}
	return ""
}

// ElementUID returns the element's stable identity token.
func ElementUID(e Element) string {
	switch v := e.(type) {
	case *Step:
		return v.UID
	case *Group:
		return v.UID
	}
	return ""
}

func setElementID(e Element, id string) {
	switch v := e.(type) {
	case *Step:
		v.Parameters[ParamID] = id
	case *Group:
		v.Parameters[ParamID] = id
	}
}

// AssignUID mints a UID for e if it does not already have one (spec.md
// section 4.6, "assign_uid(step) when missing").
func AssignUID(e Element) {
	switch v := e.(type) {
	case *Step:
		if v.UID == "" {
			v.UID = uuid.NewString()
		}
	case *Group:
		if v.UID == "" {
			v.UID = uuid.NewString()
		}
	}
}

// CloneElement deep-copies e, preserving its UID.
func CloneElement(e Element) Element {
	switch v := e.(type) {
	case *Step:
		return cloneStep(v)
	case *Group:
		return cloneGroup(v)
	}
	return nil
}

func cloneStep(s *Step) *Step {
	params := make(map[string]string, len(s.Parameters))
	for k, v := range s.Parameters {
		params[k] = v
	}
	return &Step{UID: s.UID, Parameters: params, DeviceState: s.DeviceState.Clone()}
}

func cloneGroup(g *Group) *Group {
	params := make(map[string]string, len(g.Parameters))
	for k, v := range g.Parameters {
		params[k] = v
	}
	elements := make([]Element, len(g.Elements))
	for i, el := range g.Elements {
		elements[i] = CloneElement(el)
	}
	return &Group{UID: g.UID, Parameters: params, Elements: elements}
}

func cloneSequence(seq []Element) []Element {
	out := make([]Element, len(seq))
	for i, el := range seq {
		out[i] = CloneElement(el)
	}
	return out
}
