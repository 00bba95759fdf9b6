package router

import (
	"sort"
	"strings"
)

func (r *Router) helpText(path []string) string {
	r.mu.RLock()
	root, alias, prefix := r.root, r.alias, r.prefix
	r.mu.RUnlock()

	if len(path) == 0 {
		return helpTop(root, prefix)
	}
	cur := root
	full := make([]string, 0, len(path))
	for _, p := range path {
		n, ok := cur.child(p)
		if !ok {
			if leaf, ok := alias[strings.ToLower(p)]; ok && len(full) == 0 {
				return helpNode(leaf, splitRoute(leaf.cmd.Route), prefix)
			}
			return "❓ Unknown command. Try `" + prefix + "help`."
		}
		cur = n
		full = append(full, n.name)
	}
	return helpNode(cur, full, prefix)
}

func helpTop(root *cmdNode, prefix string) string {
	lines := []string{"**Commands** (`" + prefix + "help <command>` for details)"}
	for _, name := range root.childNames() {
		n, _ := root.child(name)
		line := "• `" + prefix + name + "`"
		if d := nodeDesc(n); d != "" {
			line += ": " + d
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func helpNode(n *cmdNode, full []string, prefix string) string {
	lines := []string{"**" + prefix + strings.Join(full, " ") + "**"}
	if c := n.cmd; c != nil {
		if c.Description != "" {
			lines = append(lines, c.Description)
		}
		if c.Access != AccessEveryone {
			lines = append(lines, "🔒 "+c.Access.String()+" only")
		}
		if c.Usage != "" {
			lines = append(lines, "Usage: `"+prefix+c.Usage+"`")
		}
		if len(c.Aliases) > 0 {
			as := append([]string(nil), c.Aliases...)
			sort.Strings(as)
			lines = append(lines, "Aliases: "+strings.Join(as, ", "))
		}
	}
	if len(n.children) > 0 {
		lines = append(lines, "Subcommands:")
		for _, name := range n.childNames() {
			child, _ := n.child(name)
			line := "• `" + prefix + strings.Join(append(append([]string(nil), full...), name), " ") + "`"
			if d := nodeDesc(child); d != "" {
				line += ": " + d
			}
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func nodeDesc(n *cmdNode) string {
	if n.cmd != nil {
		return n.cmd.Description
	}
	kids := n.childNames()
	if len(kids) > 3 {
		kids = append(kids[:3], "…")
	}
	return "subcommands: " + strings.Join(kids, ", ")
}
