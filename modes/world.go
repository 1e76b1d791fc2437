// Package modes holds pieces shared by the gameplay modes.
package modes

import (
	"github.com/jakecoffman/cp"

	"github.com/milk9111/skyrunner/common"
	"github.com/milk9111/skyrunner/mode"
)

const (
	// Step is the fixed physics step; ebiten runs Update at 60 TPS.
	Step = 1.0 / 60.0

	PlaneX      = 200.0
	PlaneRadius = 12.0
	GroundY     = common.BaseHeight - 40
)

// Music is the part of the mixer a mode drives.
type Music interface {
	Play(name string) error
	StopOwned(owner mode.ID)
}

// Input is one frame of player intent.
type Input struct {
	Flap bool
	Up   bool
	Down bool
	Fire bool
}

// NewSpace allocates a physics space with the given downward gravity.
func NewSpace(gravity float64) *cp.Space {
	space := cp.NewSpace()
	space.Iterations = 10
	space.SetGravity(cp.Vector{X: 0, Y: gravity})
	return space
}

// AddPlane adds the player's plane to space at the starting position.
func AddPlane(space *cp.Space, y float64) *cp.Body {
	mass := 1.0
	body := space.AddBody(cp.NewBody(mass, cp.MomentForCircle(mass, 0, PlaneRadius, cp.Vector{})))
	body.SetPosition(cp.Vector{X: PlaneX, Y: y})
	shape := space.AddShape(cp.NewCircle(body, PlaneRadius, cp.Vector{}))
	shape.SetFriction(0)
	shape.SetElasticity(0)
	return body
}
