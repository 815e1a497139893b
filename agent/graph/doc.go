// Package graph provides the capability graph consumed by offer planning:
// the Query interface, a gorm-backed Store (postgres, mysql, sqlite), a
// StaticSource over the local capability description and a Resolver that
// applies the FallbackPolicy between them.
package graph
