package validator

import (
	"reflect"
	"regexp"
	"testing"
)

func TestValidate(t *testing.T) {
	v := New()

	tests := []struct {
		name      string
		language  string
		code      string
		wantCount int
		wantRule  string
	}{
		{
			name:     "clean python",
			language: "python",
			code:     "import sys\nn = int(sys.stdin.readline())\nprint(n * 2)\n",
		},
		{
			name:     "python re.compile is allowed",
			language: "python",
			code:     "import re\np = re.compile(r'\\d+')\n",
		},
		{
			name:      "python os import",
			language:  "python",
			code:      "import os\nos.system('ls')\n",
			wantCount: 2,
			wantRule:  "python_restricted_import",
		},
		{
			name:      "python os use without import",
			language:  "python",
			code:      "os.system('id')\n",
			wantCount: 1,
			wantRule:  "python_restricted_module_use",
		},
		{
			name:      "python sys.modules lookup",
			language:  "python",
			code:      "import sys; sys.modules['os'].system('id')\n",
			wantCount: 1,
			wantRule:  "python_module_table",
		},
		{
			name:      "python getattr on builtins",
			language:  "python",
			code:      "f = getattr(__builtins__, 'open')\n",
			wantCount: 2,
			wantRule:  "python_module_table",
		},
		{
			name:      "python globals",
			language:  "python",
			code:      "g = globals()\n",
			wantCount: 1,
			wantRule:  "python_module_table",
		},
		{
			name:     "python attribute named like a module",
			language: "python",
			code:     "pos = p.pos.x\n",
		},
		{
			name:      "python import list",
			language:  "python",
			code:      "import sys, subprocess\n",
			wantCount: 1,
			wantRule:  "python_restricted_import",
		},
		{
			name:      "python from import",
			language:  "python",
			code:      "from socket import socket\n",
			wantCount: 1,
			wantRule:  "python_restricted_import",
		},
		{
			name:      "python eval",
			language:  "python",
			code:      "x = eval(input())\n",
			wantCount: 1,
			wantRule:  "python_dynamic_code",
		},
		{
			name:      "python open",
			language:  "python",
			code:      "data = open('/etc/passwd').read()\n",
			wantCount: 1,
			wantRule:  "python_file_access",
		},
		{
			name:      "python while True",
			language:  "python",
			code:      "while True:\n    pass\n",
			wantCount: 1,
			wantRule:  "python_infinite_loop",
		},
		{
			name:     "clean cpp",
			language: "cpp",
			code:     "#include <bits/stdc++.h>\nusing namespace std;\nint main(){ vector<int> v; v.erase(std::remove(v.begin(), v.end(), 1), v.end()); }\n",
		},
		{
			name:      "cpp fstream",
			language:  "cpp",
			code:      "#include <fstream>\nint main(){}\n",
			wantCount: 1,
			wantRule:  "native_restricted_header",
		},
		{
			name:      "c system call",
			language:  "c",
			code:      "int main(){ system(\"ls\"); }\n",
			wantCount: 1,
			wantRule:  "native_process_control",
		},
		{
			name:      "cpp std::system",
			language:  "cpp",
			code:      "int main(){ std::system(\"id\"); }\n",
			wantCount: 1,
			wantRule:  "native_process_control",
		},
		{
			name:      "cpp global scope system",
			language:  "cpp",
			code:      "::system(\"id\");\n",
			wantCount: 1,
			wantRule:  "native_process_control",
		},
		{
			name:      "cpp std::fopen",
			language:  "cpp",
			code:      "FILE *f = std::fopen(\"x\", \"w\");\n",
			wantCount: 1,
			wantRule:  "native_file_access",
		},
		{
			name:      "cpp ofstream under bits header",
			language:  "cpp",
			code:      "std::ofstream out(\"/tmp/x\");\n",
			wantCount: 1,
			wantRule:  "native_file_stream",
		},
		{
			name:      "cpp unqualified ifstream",
			language:  "cpp",
			code:      "ifstream in(\"data.txt\");\n",
			wantCount: 1,
			wantRule:  "native_file_stream",
		},
		{
			name:      "c freopen",
			language:  "c",
			code:      "freopen(\"in.txt\", \"r\", stdin);\n",
			wantCount: 1,
			wantRule:  "native_file_access",
		},
		{
			name:     "cpp other namespace is not flagged",
			language: "cpp",
			code:     "auto r = my::system(1);\n",
		},
		{
			name:      "c unistd",
			language:  "c",
			code:      "#include <unistd.h>\n",
			wantCount: 1,
			wantRule:  "native_restricted_header",
		},
		{
			name:      "c fopen",
			language:  "c",
			code:      "FILE *f = fopen(\"x\", \"r\");\n",
			wantCount: 1,
			wantRule:  "native_file_access",
		},
		{
			name:      "cpp inline asm",
			language:  "cpp",
			code:      "asm volatile(\"nop\");\n",
			wantCount: 1,
			wantRule:  "native_inline_asm",
		},
		{
			name:      "cpp while true",
			language:  "cpp",
			code:      "int main(){ while (true) {} }\n",
			wantCount: 1,
			wantRule:  "infinite_loop",
		},
		{
			name:     "c while(1) is left to the runner",
			language: "c",
			code:     "int main(){ while(1); }\n",
		},
		{
			name:      "c for(;;)",
			language:  "c",
			code:      "int main(){ for(;;); }\n",
			wantCount: 1,
			wantRule:  "infinite_loop",
		},
		{
			name:     "clean java",
			language: "java",
			code:     "import java.io.*;\nimport java.util.*;\npublic class Main { public static void main(String[] a) throws IOException { BufferedReader r = new BufferedReader(new InputStreamReader(System.in)); } }\n",
		},
		{
			name:      "java runtime exec",
			language:  "java",
			code:      "Runtime.getRuntime().exec(\"ls\");\n",
			wantCount: 1,
			wantRule:  "java_process_control",
		},
		{
			name:      "java system exit",
			language:  "java",
			code:      "System.exit(0);\n",
			wantCount: 1,
			wantRule:  "java_exit",
		},
		{
			name:      "java reflection",
			language:  "java",
			code:      "Class.forName(\"x\");\n",
			wantCount: 1,
			wantRule:  "java_reflection",
		},
		{
			name:      "java network",
			language:  "java",
			code:      "import java.net.Socket;\n",
			wantCount: 1,
			wantRule:  "java_network",
		},
		{
			name:      "proc access in any language",
			language:  "java",
			code:      "String p = \"/proc/self/environ\";\n",
			wantCount: 1,
			wantRule:  "proc_self_access",
		},
		{
			name:      "cgroup breakout",
			language:  "python",
			code:      "print('/sys/fs/cgroup/release_agent')\n",
			wantCount: 1,
			wantRule:  "container_breakout",
		},
		{
			name:     "python rules do not apply to cpp",
			language: "cpp",
			code:     "// import os\nint main(){}\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.Validate(tt.language, tt.code)
			if len(got) != tt.wantCount {
				t.Fatalf("got %d violations %+v, want %d", len(got), got, tt.wantCount)
			}
			if tt.wantRule != "" && got[0].Rule != tt.wantRule {
				t.Errorf("rule = %q, want %q", got[0].Rule, tt.wantRule)
			}
		})
	}
}

func TestValidate_LineNumbers(t *testing.T) {
	v := New()
	got := v.Validate("python", "import sys\n\nimport os\nx = eval('1')\n")
	if len(got) != 2 {
		t.Fatalf("got %d violations, want 2", len(got))
	}
	if got[0].Line != 3 || got[1].Line != 4 {
		t.Errorf("lines = %d, %d; want 3, 4", got[0].Line, got[1].Line)
	}
	if got[0].Severity != "high" || got[1].Severity != "critical" {
		t.Errorf("severities = %q, %q", got[0].Severity, got[1].Severity)
	}
}

func TestValidate_Idempotent(t *testing.T) {
	v := New()
	code := "import subprocess\nwhile True:\n  subprocess.run(['ls'])\n"
	first := v.Validate("python", code)
	second := v.Validate("python", code)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("results differ: %+v vs %+v", first, second)
	}
}

func TestWithoutLoopHeuristics(t *testing.T) {
	v := New(WithoutLoopHeuristics())
	if got := v.Validate("cpp", "int main(){ for(;;){} }"); len(got) != 0 {
		t.Errorf("loop rule fired with heuristics off: %+v", got)
	}
	if got := v.Validate("cpp", "#include <thread>"); len(got) != 1 {
		t.Errorf("header rule should still fire, got %+v", got)
	}
}

func TestWithRules(t *testing.T) {
	v := New(WithRules(Rule{
		Name:      "no_goto",
		Languages: []string{"c"},
		Regex:     regexp.MustCompile(`\bgoto\b`),
		Severity:  SeverityLow,
	}))
	got := v.Validate("c", "goto end;")
	if len(got) != 1 || got[0].Rule != "no_goto" {
		t.Errorf("custom rule not applied: %+v", got)
	}
	if got := v.Validate("cpp", "goto end;"); len(got) != 0 {
		t.Errorf("custom rule leaked to cpp: %+v", got)
	}
}

func TestSeverityString(t *testing.T) {
	tests := []struct {
		s    Severity
		want string
	}{
		{SeverityLow, "low"},
		{SeverityMedium, "medium"},
		{SeverityHigh, "high"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("Severity(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
