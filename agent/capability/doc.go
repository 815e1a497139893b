// Package capability defines the data model shared by every negotiation role:
// typed property descriptors (Value, Range, List), constraint sets with storage
// preconditions, capability requirements, offers, and the local capability
// description a holon falls back to when the capability store is unavailable.
//
// Property descriptors are immutable once constructed. Element keys are
// normalized by stripping generic wrapper suffixes ("Container", "Range",
// "List", "Fixed") so that "TorqueRange" and "torque" identify the same
// property.
//
//	req, _ := capability.NewValue("c1", "Torque", "45", capability.WithValueType("double"))
//	off, _ := capability.NewRange("c2", "TorqueRange", "10", "60")
//	fmt.Println(req.Key() == off.Key()) // true
package capability
