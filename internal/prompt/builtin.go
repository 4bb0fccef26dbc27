package prompt

// builtinTemplates holds the instruction text sent to the generation
// service for each stage. The engine only renders and forwards these; what
// the service does with them is its own business.
var builtinTemplates = map[string]string{
	"gather_links": `Catalog the documentation for the benefit program {{program_name}} ({{state_code}}).
Start from the provided source URLs and list every relevant official program page,
piece of legislation, regulation, and application document you find referenced.
Return a structured link catalog with category, title, url, and where each link was found.`,

	"read_screener_fields": `List the screener fields available for evaluating eligibility for
{{program_name}} ({{state_code}}): household fields, member fields, income and expense
fields, insurance fields, and helper methods. Return a structured field catalog.`,

	"extract_criteria": `Extract every eligibility criterion for {{program_name}} ({{state_code}})
from the link catalog in the context. For each criterion cite the source, map it to the
screener fields that can evaluate it, and state the evaluation logic. Separate criteria
that cannot be evaluated with the available fields and rate the impact of each gap.`,

	"generate_tests": `Generate test scenarios for {{program_name}} ({{white_label}}) covering the
extracted eligibility criteria: happy paths, income and age thresholds, geographic rules,
exclusions, edge cases, and multi-member households. Each scenario needs a title, what it
checks, step-by-step instructions, expected eligibility, and the household data to enter.`,

	"convert_to_schema": `Convert the test scenarios in the context into validation-schema test
cases. Every scenario becomes one test case with a test_id, household block (members,
incomes, expenses, insurance), and expected_results. Use only fields the schema defines.`,

	"generate_config": `Produce the program configuration entry for {{program_name}}
({{white_label}}): identifiers, jurisdiction {{state_code}}, and the evaluation wiring
implied by the extracted criteria mapping in the context.`,

	"create_ticket": `Draft a review ticket for {{program_name}} ({{white_label}}): a title,
a description of the research performed, acceptance criteria derived from the extracted
eligibility criteria, a summary of the test scenarios, and the source documentation list.`,
}
