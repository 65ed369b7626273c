package config

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const segmentConnections = 4

var (
	downloadDir = xdg.UserDirs.Download
	stateDir    = filepath.Join(xdg.DataHome, configFileName)
	tempDir     = filepath.Join(os.TempDir(), configFileName)
	assetDir    = filepath.Join(xdg.DataHome, configFileName, "assets")
)
