package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/mjl-/sconf"

	"github.com/mjl-/moximap/config"
	"github.com/mjl-/moximap/mlog"
	"github.com/mjl-/moximap/moxvar"
	"github.com/mjl-/moximap/store"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"setaccountpassword", cmdSetaccountpassword},
	{"removeaccount", cmdRemoveaccount},
	{"accounts list", cmdAccountsList},
	{"tagservice", cmdTagservice},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"version", cmdVersion},
	{"help", cmdHelp},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	params string // Arguments to command. Multiple lines possible.
	help   string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args   []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause this
	// panic after the command has registered its flags and set its params and help
	// information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("moximap "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "moximap " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "moximap " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func usage(l []cmd) {
	lines := []string{"moximap [-config config/moximap.conf] [-loglevel level] ..."}
	for _, c := range l {
		c.gather()
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"moximap"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var configPath string
var loglevel string // Empty will be interpreted as info.

func main() {
	log.SetFlags(0)

	flag.StringVar(&configPath, "config", envString("MOXIMAPCONF", filepath.FromSlash("config/moximap.conf")), "configuration file, defaults to $MOXIMAPCONF with a fallback to config/moximap.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup, and overrides the configuration file")

	flag.Usage = func() { usage(cmds) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds)
	}

	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		mlog.SetConfig(map[string]slog.Level{"": level})
		// note: SetConfig is called again when subcommands load the config.
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("moximap "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial)
	}
	usage(cmds)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

// mustLoadConfig parses the config file and applies its log levels, unless
// overridden with the -loglevel flag.
func mustLoadConfig() *config.Static {
	conf, errs := config.ParseFile(configPath)
	if len(errs) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if len(errs) == 1 {
		log.Fatalf("%s", errs[0])
	}
	if loglevel == "" {
		mlog.SetConfig(conf.Log)
	}
	return conf
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	_, errs := config.ParseFile(configPath)
	if len(errs) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if len(errs) == 1 {
		log.Fatalf("%s", errs[0])
	}
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">moximap.conf"
	c.help = `Prints an annotated empty configuration for use as moximap.conf.

The configuration file cannot be reloaded while moximap is running. Moximap has
to be restarted for changes to the configuration file to take effect.

This configuration file needs modifications to make it valid. For example, it
may contain unfinished list items.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

func xreadpassword() string {
	fmt.Printf(`
Type new password. Password WILL echo.

WARNING: Bots will try to bruteforce your password. Connections with failed
authentication attempts will be slowed down but attackers WILL find passwords
reused at other services and weak passwords. So please pick a random,
unguessable password, preferably at least 12 characters.

`)
	fmt.Printf("password: ")
	scanner := bufio.NewScanner(os.Stdin)
	// Failing to tokenize can mean EOF without newline, which is fine, or an actual
	// error, which is returned by Err.
	scanner.Scan()
	xcheckf(scanner.Err(), "reading stdin")
	pw := scanner.Text()
	if len(pw) < 8 {
		log.Fatal("password must be at least 8 characters")
	}
	return pw
}

// xopenAccounts opens the accounts database in the data directory. Only used
// for subcommands that don't need mailboxes.
func xopenAccounts(ctx context.Context, log mlog.Log, conf *config.Static) *store.Accounts {
	err := os.MkdirAll(conf.DataDirPath(configPath, ""), 0770)
	xcheckf(err, "creating data directory")
	accounts, err := store.OpenAccounts(ctx, log, conf.DataDirPath(configPath, "accounts.db"), nil)
	xcheckf(err, "open accounts")
	return accounts
}

func cmdSetaccountpassword(c *cmd) {
	c.params = "account"
	c.help = `Set new password for an account, creating the account if it does not exist.

The password is read from stdin. Only a bcrypt hash of the password is stored in
the accounts database. The account database cannot be opened while moximap is
serving.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	conf := mustLoadConfig()

	pw := xreadpassword()

	accounts := xopenAccounts(context.Background(), c.log, conf)
	defer accounts.Close()
	err := accounts.SetPassword(context.Background(), args[0], pw)
	xcheckf(err, "setting password")
	fmt.Println("password set")
}

func cmdRemoveaccount(c *cmd) {
	c.params = "account"
	c.help = `Remove an account from the accounts database.

The mailboxes of the account are not removed from the backend.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	conf := mustLoadConfig()

	accounts := xopenAccounts(context.Background(), c.log, conf)
	defer accounts.Close()
	err := accounts.Remove(context.Background(), args[0])
	xcheckf(err, "removing account")
	fmt.Println("account removed")
}

func cmdAccountsList(c *cmd) {
	c.help = `List accounts.`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}
	conf := mustLoadConfig()

	accounts := xopenAccounts(context.Background(), c.log, conf)
	defer accounts.Close()
	l, err := accounts.List(context.Background())
	xcheckf(err, "listing accounts")
	for _, name := range l {
		fmt.Println(name)
	}
}

func cmdVersion(c *cmd) {
	c.help = "Prints this moximap version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(moxvar.Version)
	fmt.Printf("%s/%s\n", runtime.GOOS, runtime.GOARCH)
}
