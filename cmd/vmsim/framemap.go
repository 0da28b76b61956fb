package main

import (
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/pmm"

	"github.com/fogleman/gg"
	"github.com/pkg/errors"
)

const (
	// frameMapColumns is the number of frames drawn on each row.
	frameMapColumns = 128

	// frameCellSize is the width and height in pixels of each frame.
	frameCellSize = 4
)

type frameState uint8

const (
	frameUntracked frameState = iota
	frameFree
	frameUsed
	frameShared
	frameZero
)

// frameColors holds the RGB fill color of each frame state.
var frameColors = [...][3]float64{
	frameUntracked: {0.15, 0.15, 0.15},
	frameFree:      {0.2, 0.75, 0.3},
	frameUsed:      {0.85, 0.25, 0.2},
	frameShared:    {0.95, 0.65, 0.1},
	frameZero:      {0.3, 0.5, 0.95},
}

// classifyFrames returns the state of every frame below frameCount.
func classifyFrames(frames *pmm.BitmapAllocator, frameCount mm.Frame) []frameState {
	states := make([]frameState, frameCount)
	zeroFrame := frames.SharedZeroPage().Frame()

	frames.VisitPools(func(startFrame, endFrame mm.Frame) {
		for frame := startFrame; frame <= endFrame && frame < frameCount; frame++ {
			switch {
			case frame == zeroFrame:
				states[frame] = frameZero
			case !frames.IsFrameUsed(frame):
				states[frame] = frameFree
			case frames.PageFor(frame).RefCount() > 1:
				states[frame] = frameShared
			default:
				states[frame] = frameUsed
			}
		}
	})

	return states
}

// renderFrameMap draws one cell per physical frame of a machine with
// ramSize bytes of memory and saves the image as a PNG file at path.
func renderFrameMap(frames *pmm.BitmapAllocator, ramSize uintptr, path string) error {
	frameCount := mm.Frame(mm.Size(ramSize).Pages())
	states := classifyFrames(frames, frameCount)

	rows := (len(states) + frameMapColumns - 1) / frameMapColumns
	dc := gg.NewContext(frameMapColumns*frameCellSize, rows*frameCellSize)
	dc.SetRGB(0, 0, 0)
	dc.Clear()

	for index, state := range states {
		x := float64((index % frameMapColumns) * frameCellSize)
		y := float64((index / frameMapColumns) * frameCellSize)

		color := frameColors[state]
		dc.SetRGB(color[0], color[1], color[2])
		dc.DrawRectangle(x, y, frameCellSize-1, frameCellSize-1)
		dc.Fill()
	}

	if err := dc.SavePNG(path); err != nil {
		return errors.Wrapf(err, "unable to write frame map to %q", path)
	}

	return nil
}
