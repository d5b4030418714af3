package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"

	"github.com/mokelab/kerrdaq"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var buildDate = "build date not computed"

// makeFileExist returns the path dir/filename, creating an empty file (and
// its directory, with $HOME expanded) when missing.
func makeFileExist(dir, filename string) (string, error) {
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err := os.MkdirAll(dir, 0775); err != nil {
			return "", err
		}
	}

	fullname := path.Join(dir, filename)
	if _, err := os.Stat(fullname); os.IsNotExist(err) {
		f, err := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err != nil {
			return "", err
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper tells viper where to find the config file (creating an empty
// one under ~/.kerrdaq if needed) and reads it.
func setupViper(home string) error {
	viper.SetDefault("Verbose", false)
	viper.SetDefault("database.enable", false)

	dotKerrdaq := filepath.Join(home, ".kerrdaq")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotKerrdaq, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/kerrdaq"))
	viper.AddConfigPath(dotKerrdaq)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	return log.New(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10, // MB
		MaxBackups: 4,
		MaxAge:     180, // days
		Compress:   true,
	}, "", log.LstdFlags)
}

func main() {
	// When started as the I/O engine, this never returns.
	kerrdaq.MaybeRunEngine()

	buildDate = strings.ReplaceAll(buildDate, ".", " ")
	kerrdaq.Build.Date = buildDate
	kerrdaq.Build.Githash = githash

	printVersion := flag.Bool("version", false, "print version and quit")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is kerrdaq version %s\n", kerrdaq.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is kerrdaq version %s (git commit %s)\n", kerrdaq.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(home, ".kerrdaq", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	kerrdaq.ProblemLogger = startLogger(problemname)
	kerrdaq.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	kerrdaq.UpdateLogger.Printf("\n\n\n\n%s", banner)

	if err := setupViper(home); err != nil {
		panic(err)
	}

	abort := make(chan struct{})
	go func() {
		if err := kerrdaq.RunClientUpdater(kerrdaq.Ports.Status, abort); err != nil {
			kerrdaq.ProblemLogger.Printf("status publisher stopped: %v", err)
		}
	}()
	if err := kerrdaq.RunRPCServer(kerrdaq.Ports.RPC, true); err != nil {
		fmt.Println("RPC server error:", err)
	}
	close(abort)
	writeMemoryProfile(*memprofile)
}

// writeMemoryProfile saves a heap profile on exit when requested.
// An empty name writes nothing.
func writeMemoryProfile(memprofile string) {
	if memprofile == "" {
		return
	}
	f, err := os.Create(memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
