package featureflag

type Flag string

const (
	FlagDisableLineOfSight Flag = "DISABLE_LINE_OF_SIGHT"
	FlagDisableHeight      Flag = "DISABLE_HEIGHT"
	FlagDisableAreaInfo    Flag = "DISABLE_AREA_INFO"
)
