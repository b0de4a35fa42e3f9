package cli

import (
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

type CLI interface {
	GetViper() *viper.Viper
	GetFS() afero.Fs
}

type BootTestCLI struct {
	fs afero.Fs
}

func (cli *BootTestCLI) GetViper() *viper.Viper {
	return viper.GetViper()
}

func (cli *BootTestCLI) GetFS() afero.Fs {
	return cli.fs
}

func NewBootTestCLI() *BootTestCLI {
	return &BootTestCLI{
		fs: afero.NewOsFs(),
	}
}
