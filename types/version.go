package types

type Version struct {
	Version                  string `json:"version"`
	LtihubVersionRequired    string `json:"ltihubVersionRequired"`
	LtihubVersionRecommended string `json:"ltihubVersionRecommended"`
}

var CurrentVersion = Version{
	Version:                  "1.2.0",
	LtihubVersionRequired:    "1.0.0",
	LtihubVersionRecommended: "1.2.0",
}
