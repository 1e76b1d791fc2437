package ui

import (
	"image/color"

	"github.com/ebitenui/ebitenui"
	imageui "github.com/ebitenui/ebitenui/image"
	"github.com/ebitenui/ebitenui/widget"
	ebtext "github.com/hajimehoshi/ebiten/v2/text/v2"
	"golang.org/x/image/font/basicfont"

	"github.com/milk9111/skyrunner/common"
	"github.com/milk9111/skyrunner/mode"
)

var (
	textWhite   = color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	panelColor  = color.NRGBA{A: 200}
	buttonColor = color.NRGBA{R: 0x33, G: 0x33, B: 0x33, A: 0xff}
	hoverColor  = color.NRGBA{R: 0x4a, G: 0x4a, B: 0x6a, A: 0xff}
)

var menuLabels = map[mode.ID]string{
	mode.Classic: "Classic",
	mode.Combat:  "Combat",
}

// NewModeSelect builds the centered mode-select panel with one button per
// known mode. onSelect runs on the game goroutine when a button is clicked.
func NewModeSelect(onSelect func(mode.ID)) *ebitenui.UI {
	panelImg := imageui.NewNineSliceColor(panelColor)
	btnImg := &widget.ButtonImage{
		Idle:    imageui.NewNineSliceColor(buttonColor),
		Hover:   imageui.NewNineSliceColor(hoverColor),
		Pressed: imageui.NewNineSliceColor(hoverColor),
	}

	var face ebtext.Face = ebtext.NewGoXFace(basicfont.Face7x13)
	btnText := &widget.ButtonTextColor{Idle: textWhite}
	center := widget.WidgetOpts.LayoutData(widget.RowLayoutData{Position: widget.RowLayoutPositionCenter})

	panel := widget.NewContainer(
		widget.ContainerOpts.BackgroundImage(panelImg),
		widget.ContainerOpts.Layout(widget.NewRowLayout(
			widget.RowLayoutOpts.Direction(widget.DirectionVertical),
			widget.RowLayoutOpts.Spacing(12),
			widget.RowLayoutOpts.Padding(&widget.Insets{Top: 24, Bottom: 24, Left: 40, Right: 40}),
		)),
		widget.ContainerOpts.WidgetOpts(
			widget.WidgetOpts.MinSize(common.BaseWidth/3, common.BaseHeight/3),
			widget.WidgetOpts.LayoutData(widget.AnchorLayoutData{
				HorizontalPosition: widget.AnchorLayoutPositionCenter,
				VerticalPosition:   widget.AnchorLayoutPositionCenter,
			}),
		),
	)
	panel.AddChild(widget.NewText(
		widget.TextOpts.Text("Skyrunner", &face, textWhite),
		widget.TextOpts.WidgetOpts(center),
	))

	for _, id := range mode.IDs() {
		id := id
		panel.AddChild(widget.NewButton(
			widget.ButtonOpts.Image(btnImg),
			widget.ButtonOpts.Text(menuLabels[id], &face, btnText),
			widget.ButtonOpts.WidgetOpts(center),
			widget.ButtonOpts.ClickedHandler(func(*widget.ButtonClickedEventArgs) {
				if onSelect != nil {
					onSelect(id)
				}
			}),
		))
	}
	panel.AddChild(widget.NewText(
		widget.TextOpts.Text("1 / 2 select   Esc menu   F12 stop", &face, textWhite),
		widget.TextOpts.WidgetOpts(center),
	))

	root := widget.NewContainer(widget.ContainerOpts.Layout(widget.NewAnchorLayout()))
	root.AddChild(panel)
	return &ebitenui.UI{Container: root}
}
