package store

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name is safe to interpolate as a label,
// relationship type, property key or index name.
func ValidIdentifier(name string) bool {
	return identRe.MatchString(name)
}

func quote(name string) (string, error) {
	if !ValidIdentifier(name) {
		return "", fmt.Errorf("invalid identifier %q", name)
	}
	return "`" + name + "`", nil
}

func mustQuoteAll(names ...string) ([]string, error) {
	out := make([]string, len(names))
	for i, n := range names {
		q, err := quote(n)
		if err != nil {
			return nil, err
		}
		out[i] = q
	}
	return out, nil
}

// sortedKeys gives deterministic statement text for map-driven clauses.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func mergeNodesCypher(label string) (string, error) {
	l, err := quote(label)
	if err != nil {
		return "", err
	}
	return "UNWIND $rows AS row\n" +
		"MERGE (n:" + l + " {guid: row.guid})\n" +
		"SET n += row, n.syncedAt = $syncedAt\n" +
		"RETURN count(n) AS written", nil
}

func linkCypher(spec LinkSpec) (string, error) {
	q, err := mustQuoteAll(spec.Source, spec.Target, spec.ForeignKey, spec.TargetKey, spec.Type)
	if err != nil {
		return "", err
	}
	src, tgt, fk, key, rel := q[0], q[1], q[2], q[3], q[4]
	pattern := "(s)-[:" + rel + "]->(t)"
	if spec.Reverse {
		pattern = "(t)-[:" + rel + "]->(s)"
	}
	return "MATCH (s:" + src + ") WHERE s." + fk + " IS NOT NULL\n" +
		"MATCH (t:" + tgt + " {" + key + ": s." + fk + "})\n" +
		"MERGE " + pattern, nil
}

// danglingCypher counts source nodes whose foreign key matches no target.
func danglingCypher(spec LinkSpec) (string, error) {
	q, err := mustQuoteAll(spec.Source, spec.Target, spec.ForeignKey, spec.TargetKey)
	if err != nil {
		return "", err
	}
	src, tgt, fk, key := q[0], q[1], q[2], q[3]
	return "MATCH (s:" + src + ") WHERE s." + fk + " IS NOT NULL\n" +
		"AND NOT EXISTS { MATCH (t:" + tgt + " {" + key + ": s." + fk + "}) }\n" +
		"RETURN count(s) AS skipped", nil
}

// isoDate matches the calendar date prefix of an ISO-8601 value.
const isoDate = `[0-9]{4}-(0[1-9]|1[0-2])-(0[1-9]|[12][0-9]|3[01])`

// periodCypher returns the statements LinkPeriods runs in order: prune stale
// fact edges, merge the calendar hierarchy, link facts, count unreadable dates.
func periodCypher(spec PeriodSpec) (prune, hierarchy, link, skipped string, err error) {
	q, err := mustQuoteAll(spec.Label, spec.Property, spec.Relationship, spec.Leaf())
	if err != nil {
		return "", "", "", "", err
	}
	lbl, prop, rel, leaf := q[0], q[1], q[2], q[3]
	keyLen := "7"
	if spec.Days {
		keyLen = "10"
	}
	day := "substring(toString(f." + prop + "), 0, 10)"

	prune = "MATCH (f:" + lbl + ")-[r:" + rel + "]->(p:" + leaf + ")\n" +
		"WHERE f." + prop + " IS NULL OR p.guid <> substring(toString(f." + prop + "), 0, " + keyLen + ")\n" +
		"DELETE r"

	hierarchy = "MATCH (f:" + lbl + ") WHERE f." + prop + " IS NOT NULL\n" +
		"WITH DISTINCT " + day + " AS d\n" +
		"WHERE d =~ '" + isoDate + "'\n" +
		"WITH d, toInteger(substring(d, 0, 4)) AS y, toInteger(substring(d, 5, 2)) AS mo\n" +
		"WITH d, y, mo, (mo - 1) / 3 + 1 AS q\n" +
		"MERGE (yr:`Year` {guid: substring(d, 0, 4)}) SET yr.year = y\n" +
		"MERGE (qt:`Quarter` {guid: substring(d, 0, 4) + '-Q' + toString(q)}) SET qt.year = y, qt.quarter = q\n" +
		"MERGE (yr)-[:`CONTAINS`]->(qt)\n" +
		"MERGE (mn:`Month` {guid: substring(d, 0, 7)}) SET mn.year = y, mn.quarter = q, mn.month = mo\n" +
		"MERGE (qt)-[:`CONTAINS`]->(mn)"
	if spec.Days {
		hierarchy += "\nMERGE (dy:`Day` {guid: d}) SET dy.year = y, dy.month = mo, dy.day = toInteger(substring(d, 8, 2))\n" +
			"MERGE (mn)-[:`CONTAINS`]->(dy)"
	}

	link = "MATCH (f:" + lbl + ") WHERE f." + prop + " IS NOT NULL\n" +
		"WITH f, " + day + " AS d\n" +
		"WHERE d =~ '" + isoDate + "'\n" +
		"MATCH (p:" + leaf + " {guid: substring(d, 0, " + keyLen + ")})\n" +
		"MERGE (f)-[:" + rel + "]->(p)"

	skipped = "MATCH (f:" + lbl + ") WHERE f." + prop + " IS NOT NULL\n" +
		"AND NOT " + day + " =~ '" + isoDate + "'\n" +
		"RETURN count(f) AS skipped"
	return prune, hierarchy, link, skipped, nil
}

func aggregateExpr(fn AggFunc, prop string, defParam string) (string, error) {
	switch fn {
	case AggCount:
		return "count(m)", nil
	case AggSum, AggAvg, AggMin, AggMax:
		if prop == "" {
			return "", fmt.Errorf("%s aggregate requires a source property", fn)
		}
		p, err := quote(prop)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("coalesce(%s(toFloat(m.%s)), %s)", fn, p, defParam), nil
	default:
		return "", fmt.Errorf("unknown aggregate function %q", fn)
	}
}

func edgePattern(rel string, dir Direction, neighbor string) (string, error) {
	r, err := quote(rel)
	if err != nil {
		return "", err
	}
	m := "(m)"
	if neighbor != "" {
		nq, err := quote(neighbor)
		if err != nil {
			return "", err
		}
		m = "(m:" + nq + ")"
	}
	switch dir {
	case DirOut, "":
		return "(n)-[:" + r + "]->" + m, nil
	case DirIn:
		return "(n)<-[:" + r + "]-" + m, nil
	case DirBoth:
		return "(n)-[:" + r + "]-" + m, nil
	default:
		return "", fmt.Errorf("unknown direction %q", dir)
	}
}

// metricsCypher builds one statement that recomputes every metric property of
// spec for the scoped nodes. Each aggregate runs in its own subquery so that
// aggregates over different edge types don't multiply each other's rows.
func metricsCypher(spec MetricSpec, scoped bool) (string, map[string]any, error) {
	label, err := quote(spec.Label)
	if err != nil {
		return "", nil, err
	}
	params := map[string]any{}
	var b strings.Builder
	b.WriteString("MATCH (n:" + label + ")")
	if scoped {
		b.WriteString(" WHERE n.guid IN $guids")
	}
	b.WriteString("\n")

	vars := make(map[string]string, len(spec.Aggregates))
	carried := []string{"n"}
	for i, agg := range spec.Aggregates {
		pattern, err := edgePattern(agg.Relationship, agg.Direction, agg.Neighbor)
		if err != nil {
			return "", nil, err
		}
		defParam := fmt.Sprintf("a%d_default", i)
		params[defParam] = agg.Default
		expr, err := aggregateExpr(agg.Func, agg.Source, "$"+defParam)
		if err != nil {
			return "", nil, err
		}
		v := fmt.Sprintf("a%d", i)
		b.WriteString("CALL {\n  WITH n\n  OPTIONAL MATCH " + pattern)
		if len(agg.Where) > 0 {
			var conds []string
			for _, k := range sortedKeys(agg.Where) {
				kq, err := quote(k)
				if err != nil {
					return "", nil, err
				}
				p := fmt.Sprintf("a%d_%s", i, k)
				params[p] = agg.Where[k]
				conds = append(conds, "m."+kq+" = $"+p)
			}
			b.WriteString(" WHERE " + strings.Join(conds, " AND "))
		}
		b.WriteString("\n  RETURN " + expr + " AS " + v + "\n}\n")
		vars[agg.Property] = v
		carried = append(carried, v)
	}
	b.WriteString("WITH " + strings.Join(carried, ", ") + "\n")

	var sets []string
	for i, agg := range spec.Aggregates {
		p, err := quote(agg.Property)
		if err != nil {
			return "", nil, err
		}
		sets = append(sets, fmt.Sprintf("n.%s = a%d", p, i))
	}
	operand := func(name string) (string, error) {
		if v, ok := vars[name]; ok {
			return v, nil
		}
		q, err := quote(name)
		if err != nil {
			return "", err
		}
		return "coalesce(n." + q + ", 0)", nil
	}
	for i, d := range spec.Derived {
		p, err := quote(d.Property)
		if err != nil {
			return "", nil, err
		}
		left, err := operand(d.Left)
		if err != nil {
			return "", nil, err
		}
		right, err := operand(d.Right)
		if err != nil {
			return "", nil, err
		}
		defParam := fmt.Sprintf("d%d_default", i)
		params[defParam] = d.Default
		var expr string
		switch d.Op {
		case OpRatio:
			expr = fmt.Sprintf("CASE WHEN %s = 0 THEN $%s ELSE toFloat(%s) / %s END", right, defParam, left, right)
		case OpPercent:
			expr = fmt.Sprintf("CASE WHEN %s = 0 THEN $%s ELSE 100.0 * toFloat(%s) / %s END", right, defParam, left, right)
		case OpDifference:
			expr = fmt.Sprintf("toFloat(%s) - toFloat(%s)", left, right)
		default:
			return "", nil, fmt.Errorf("unknown derived op %q", d.Op)
		}
		sets = append(sets, "n."+p+" = "+expr)
	}
	sets = append(sets, "n.lastMetricsUpdate = $at")
	b.WriteString("SET " + strings.Join(sets, ",\n    ") + "\n")
	b.WriteString("RETURN count(n) AS updated")
	return b.String(), params, nil
}

func matchClause(match map[string]any, params map[string]any) ([]string, error) {
	var conds []string
	for _, k := range sortedKeys(match) {
		kq, err := quote(k)
		if err != nil {
			return nil, err
		}
		if match[k] == nil {
			conds = append(conds, "n."+kq+" IS NULL")
			continue
		}
		p := "match_" + k
		params[p] = match[k]
		conds = append(conds, "n."+kq+" = $"+p)
	}
	return conds, nil
}

func mutateCypher(m NodeMutation) (string, map[string]any, error) {
	label, err := quote(m.Label)
	if err != nil {
		return "", nil, err
	}
	params := map[string]any{"version": int64(m.Version)}
	conds, err := matchClause(m.Match, params)
	if err != nil {
		return "", nil, err
	}
	conds = append(conds, "NOT $version IN coalesce(n._migrations, [])")

	var b strings.Builder
	b.WriteString("MATCH (n:" + label + ") WHERE " + strings.Join(conds, " AND ") + "\n")
	b.WriteString("WITH n")
	if m.Limit > 0 {
		params["limit"] = int64(m.Limit)
		b.WriteString(" LIMIT $limit")
	}
	b.WriteString("\n")

	sets := []string{}
	for _, k := range sortedKeys(m.Set) {
		kq, err := quote(k)
		if err != nil {
			return "", nil, err
		}
		p := "set_" + k
		params[p] = m.Set[k]
		sets = append(sets, "n."+kq+" = $"+p)
	}
	var removes []string
	for _, old := range sortedKeys(m.Rename) {
		q, err := mustQuoteAll(old, m.Rename[old])
		if err != nil {
			return "", nil, err
		}
		sets = append(sets, "n."+q[1]+" = n."+q[0])
		removes = append(removes, "n."+q[0])
	}
	sets = append(sets, "n._migrations = coalesce(n._migrations, []) + $version")
	b.WriteString("SET " + strings.Join(sets, ", ") + "\n")
	if len(removes) > 0 {
		b.WriteString("REMOVE " + strings.Join(removes, ", ") + "\n")
	}
	b.WriteString("RETURN count(n) AS affected")
	return b.String(), params, nil
}

func revertCypher(m NodeMutation) (string, map[string]any, error) {
	label, err := quote(m.Label)
	if err != nil {
		return "", nil, err
	}
	params := map[string]any{"version": int64(m.Version)}
	var b strings.Builder
	b.WriteString("MATCH (n:" + label + ") WHERE $version IN coalesce(n._migrations, [])\n")
	b.WriteString("WITH n")
	if m.Limit > 0 {
		params["limit"] = int64(m.Limit)
		b.WriteString(" LIMIT $limit")
	}
	b.WriteString("\n")

	var sets, removes []string
	for _, k := range sortedKeys(m.Set) {
		kq, err := quote(k)
		if err != nil {
			return "", nil, err
		}
		removes = append(removes, "n."+kq)
	}
	for _, old := range sortedKeys(m.Rename) {
		q, err := mustQuoteAll(old, m.Rename[old])
		if err != nil {
			return "", nil, err
		}
		sets = append(sets, "n."+q[0]+" = n."+q[1])
		removes = append(removes, "n."+q[1])
	}
	sets = append(sets, "n._migrations = [v IN n._migrations WHERE v <> $version]")
	b.WriteString("SET " + strings.Join(sets, ", ") + "\n")
	if len(removes) > 0 {
		b.WriteString("REMOVE " + strings.Join(removes, ", ") + "\n")
	}
	b.WriteString("RETURN count(n) AS affected")
	return b.String(), params, nil
}

func ensureIndexCypher(idx IndexSpec) (string, error) {
	q, err := mustQuoteAll(idx.Name, idx.Label, idx.Property)
	if err != nil {
		return "", err
	}
	if idx.Unique {
		return "CREATE CONSTRAINT " + q[0] + " IF NOT EXISTS FOR (n:" + q[1] + ") REQUIRE n." + q[2] + " IS UNIQUE", nil
	}
	return "CREATE INDEX " + q[0] + " IF NOT EXISTS FOR (n:" + q[1] + ") ON (n." + q[2] + ")", nil
}

func dropIndexCypher(idx IndexSpec) (string, error) {
	name, err := quote(idx.Name)
	if err != nil {
		return "", err
	}
	if idx.Unique {
		return "DROP CONSTRAINT " + name + " IF EXISTS", nil
	}
	return "DROP INDEX " + name + " IF EXISTS", nil
}
