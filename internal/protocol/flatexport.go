package protocol

import (
	"encoding/json"
	"sort"

	"github.com/google/uuid"
)

// flatStep and flatGroup are the wire shapes from spec.md section 6. Order
// is the one piece of information the two parallel arrays can't carry on
// their own — siblings of different kinds (a step and a group) at the same
// tree level have no ordering relationship implied by their ID alone, since
// each kind's ID counter advances independently. An explicit Order field
// breaks that ambiguity and makes the round trip lossless (see DESIGN.md,
// the note on internal/protocol's flat export Order field).
type flatStep struct {
	ID          string            `json:"ID"`
	UID         string            `json:"UID"`
	Order       int               `json:"Order"`
	Parameters  map[string]string `json:"-"`
	DeviceState DeviceState       `json:"device_state"`
}

type flatGroup struct {
	ID          string `json:"ID"`
	UID         string `json:"UID"`
	Description string `json:"Description"`
	Order       int    `json:"Order"`
}

type flatExport struct {
	Steps  []flatStep  `json:"steps"`
	Groups []flatGroup `json:"groups"`
	Fields []string    `json:"fields"`
}

// MarshalJSON flattens Parameters to the top level alongside ID/UID/Order,
// matching the wire shape's "numeric fields as strings" layout.
func (fs flatStep) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(fs.Parameters)+4)
	for k, v := range fs.Parameters {
		out[k] = v
	}
	out["ID"] = fs.ID
	out["UID"] = fs.UID
	out["Order"] = fs.Order
	out["device_state"] = fs.DeviceState
	return json.Marshal(out)
}

// UnmarshalJSON reverses MarshalJSON: known keys populate their fields,
// everything else becomes a string-valued parameter.
func (fs *flatStep) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	fs.Parameters = map[string]string{}
	for k, v := range raw {
		switch k {
		case "ID":
			_ = json.Unmarshal(v, &fs.ID)
		case "UID":
			_ = json.Unmarshal(v, &fs.UID)
		case "Order":
			_ = json.Unmarshal(v, &fs.Order)
		case "device_state":
			if err := json.Unmarshal(v, &fs.DeviceState); err != nil {
				return err
			}
		default:
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				fs.Parameters[k] = s
				continue
			}
			fs.Parameters[k] = string(v)
		}
	}
	return nil
}

// ToFlatExport serializes the tree to the wire shape in spec.md section 6,
// first reassigning IDs so the export always reflects current tree
// structure.
func (p *ProtocolState) ToFlatExport() ([]byte, error) {
	p.ReassignIDs()

	fe := flatExport{Fields: append([]string(nil), p.Fields...)}
	order := 0
	var walk func([]Element)
	walk = func(elements []Element) {
		for _, el := range elements {
			switch v := el.(type) {
			case *Step:
				fe.Steps = append(fe.Steps, flatStep{
					ID:          ElementID(v),
					UID:         v.UID,
					Order:       order,
					Parameters:  v.Parameters,
					DeviceState: v.DeviceState,
				})
			case *Group:
				fe.Groups = append(fe.Groups, flatGroup{ID: ElementID(v), UID: v.UID, Description: v.Description(), Order: order})
				walk(v.Elements)
			}
			order++
		}
	}
	walk(p.Sequence)

	return json.Marshal(fe)
}

// FromFlatExport reconstructs a ProtocolState from the wire shape, parsing
// group containment from ID prefixes (each "_" denotes one level of
// nesting) and restoring sibling order from the Order field.
func FromFlatExport(data []byte) (*ProtocolState, error) {
	var fe flatExport
	if err := json.Unmarshal(data, &fe); err != nil {
		return nil, err
	}

	type node struct {
		order   int
		isGroup bool
		step    *Step
		group   *Group
		id      string
	}

	byParent := map[string][]node{} // parent ID prefix ("" for top level) -> children

	for _, fs := range fe.Steps {
		parent, _ := splitParentID(fs.ID)
		s := &Step{UID: fs.UID, Parameters: fs.Parameters, DeviceState: fs.DeviceState}
		if s.UID == "" {
			s.UID = uuid.NewString()
		}
		if s.Parameters == nil {
			s.Parameters = map[string]string{}
		}
		s.Parameters[ParamID] = fs.ID
		byParent[parent] = append(byParent[parent], node{order: fs.Order, step: s, id: fs.ID})
	}
	for _, fg := range fe.Groups {
		parent, _ := splitParentID(fg.ID)
		description := fg.Description
		if description == "" {
			description = "Group"
		}
		g := &Group{UID: fg.UID, Parameters: map[string]string{ParamID: fg.ID, ParamDescription: description}, Elements: []Element{}}
		if g.UID == "" {
			g.UID = uuid.NewString()
		}
		byParent[parent] = append(byParent[parent], node{order: fg.Order, isGroup: true, group: g, id: fg.ID})
	}

	var build func(parentID string) []Element
	build = func(parentID string) []Element {
		children := byParent[parentID]
		sort.SliceStable(children, func(i, j int) bool { return children[i].order < children[j].order })
		elements := make([]Element, 0, len(children))
		for _, c := range children {
			if c.isGroup {
				c.group.Elements = build(c.id + "_")
				elements = append(elements, c.group)
			} else {
				elements = append(elements, c.step)
			}
		}
		return elements
	}

	state := NewProtocolState()
	if len(fe.Fields) > 0 {
		state.Fields = fe.Fields
	}
	state.Sequence = build("")
	return state, nil
}

// splitParentID returns the parent ID prefix (with its trailing "_") and
// the element's own local segment, e.g. "B_A_2" -> ("B_A_", "2").
func splitParentID(id string) (parent, local string) {
	idx := -1
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '_' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", id
	}
	return id[:idx+1], id[idx+1:]
}
