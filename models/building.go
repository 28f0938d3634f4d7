package models

import "time"

// Building is shared by every listing resolved to the same cadastral identifier
type Building struct {
	ID               int64     `json:"id" db:"id"`
	CadastreID       string    `json:"cadastre_id" db:"cadastre_id"`
	Address          *string   `json:"address" db:"address"`
	Latitude         *float64  `json:"latitude" db:"latitude"`
	Longitude        *float64  `json:"longitude" db:"longitude"`
	ConstructionYear *int      `json:"construction_year" db:"construction_year"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}
