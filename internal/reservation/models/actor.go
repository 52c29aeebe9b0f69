package models

import (
	id "spacebook/pkg/domain"
)

// ActorKind says who asked for a transition.
type ActorKind string

const (
	ActorHolder ActorKind = "holder"
	ActorAdmin  ActorKind = "admin"
	ActorSystem ActorKind = "system"
)

// Actor is the caller of a lifecycle operation. Authorization happens
// upstream; the engine only distinguishes privileged from non-privileged
// callers.
type Actor struct {
	ID   id.HolderID
	Kind ActorKind
}

// HolderActor is a non-privileged actor acting on its own reservation.
func HolderActor(holderID id.HolderID) Actor {
	return Actor{ID: holderID, Kind: ActorHolder}
}

// AdminActor is an administrative override.
func AdminActor(adminID id.HolderID) Actor {
	return Actor{ID: adminID, Kind: ActorAdmin}
}

// SystemActor is used by scheduled jobs.
func SystemActor() Actor {
	return Actor{Kind: ActorSystem}
}

// IsPrivileged is true for admin and system actors.
func (a Actor) IsPrivileged() bool {
	return a.Kind == ActorAdmin || a.Kind == ActorSystem
}
