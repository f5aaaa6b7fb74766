package models

import (
	"math"
	"strings"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
}

func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Location is a pickup or dropoff: address text plus optional coordinates.
type Location struct {
	Address string `json:"address"`
	Coord   *Coord `json:"coord,omitempty"`
}

// Empty reports whether neither address nor coordinates are set.
func (l Location) Empty() bool {
	return strings.TrimSpace(l.Address) == "" && l.Coord == nil
}

// Same reports whether two locations describe the same point.
func (l Location) Same(o Location) bool {
	if l.Coord != nil && o.Coord != nil {
		return *l.Coord == *o.Coord
	}
	if l.Coord == nil && o.Coord == nil {
		return strings.EqualFold(strings.TrimSpace(l.Address), strings.TrimSpace(o.Address))
	}
	return false
}

// DriverLocation is one message of the presence feed.
type DriverLocation struct {
	ID      string    `json:"id" validate:"required"`
	Loc     Coord     `json:"loc"`
	Online  bool      `json:"online"`
	Updated time.Time `json:"updated"`
}

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Actor is the authenticated identity supplied by the auth layer.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }
