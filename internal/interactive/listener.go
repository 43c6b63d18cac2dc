package interactive

import "fmt"

// commandListenerScript is the in-container entrypoint for an interactive
// session. It reads newline-delimited commands off stdin (the Coordinator's
// attached TTY writes them there) and reacts to three verbs:
//
//	upsert <name> <base64>        decode and write a workspace file
//	run [mainClassName] [args...] (re)start the program, feeding it a stdin fifo
//	input <text>                  append a line to the running program's stdin
//
// For Java, run's first word names the class to launch; it is carried on
// each run command rather than fixed at session creation, since a client
// may change it between runs. Output is whatever the program and this
// script itself write to stdout; the Coordinator strips ANSI CSI sequences
// before forwarding it.
func commandListenerScript(language string) string {
	runCmd := pythonRunCmd()
	if language == "java" {
		runCmd = javaRunCmd()
	}
	return fmt.Sprintf(`
mkfifo program_stdin 2>/dev/null
while IFS= read -r line; do
  case "$line" in
    upsert\ *)
      rest=${line#upsert }
      set -- $rest
      name=$1
      b64=$2
      mkdir -p "$(dirname "$name")" 2>/dev/null
      printf '%%s' "$b64" | base64 -d > "$name" 2>/dev/null
      ;;
    run|run\ *)
      args=${line#run}
      args=${args# }
      exec 3<>program_stdin
      ( %s <&3 ) &
      ;;
    input\ *)
      printf '%%s\n' "${line#input }" >> program_stdin
      ;;
  esac
done
`, runCmd)
}

func pythonRunCmd() string {
	return "python3 -u main.py $args"
}

// javaRunCmd treats the first whitespace-separated token of the run
// command's argument string as the main class name, defaulting to Main when
// none is given, and forwards the remainder as program arguments.
func javaRunCmd() string {
	return `javac *.java 2>&1 && set -- $args; cls=${1:-Main}; shift 2>/dev/null; java -cp . "$cls" "$@"`
}
